// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package chunker

import "encoding/binary"

// splitMP3 corta o buffer em fronteiras de frame MP3: cada chunk começa
// num frame sync (11 bits em 1). O primeiro chunk carrega o que vier antes
// do primeiro sync (tag ID3, metadata). Retorna ok=false quando nenhum
// sync é encontrado — caller cai no splitter de bytes.
func splitMP3(data []byte, targetSize int64) ([]Chunk, bool) {
	total := int64(len(data))

	// Sanidade: precisa haver pelo menos um frame sync no buffer inteiro.
	if findFrameSync(data, skipID3(data)) < 0 {
		return nil, false
	}

	var chunks []Chunk
	index := 0
	start := int64(0)

	for start < total {
		nominalEnd := start + targetSize
		if nominalEnd >= total {
			chunks = append(chunks, Chunk{
				Index:      index,
				Start:      start,
				End:        total,
				Data:       data[start:total],
				IsPlayable: index > 0 || skipID3(data) == 0,
			})
			break
		}

		// Avança o corte até a próxima fronteira de frame.
		cut := findFrameSync(data, nominalEnd)
		if cut < 0 || cut <= start {
			// Sem sync adiante: o resto vira o último chunk.
			cut = total
		}

		chunks = append(chunks, Chunk{
			Index:      index,
			Start:      start,
			End:        cut,
			Data:       data[start:cut],
			IsPlayable: index > 0 || skipID3(data) == 0,
		})
		index++
		start = cut
	}

	return chunks, true
}

// skipID3 retorna o offset após uma tag ID3v2 no início do buffer, ou 0.
func skipID3(data []byte) int64 {
	if len(data) < 10 || data[0] != 'I' || data[1] != 'D' || data[2] != '3' {
		return 0
	}
	// Tamanho syncsafe: 4 bytes de 7 bits.
	size := int64(data[6]&0x7f)<<21 | int64(data[7]&0x7f)<<14 |
		int64(data[8]&0x7f)<<7 | int64(data[9]&0x7f)
	end := size + 10
	if end > int64(len(data)) {
		return 0
	}
	return end
}

// findFrameSync procura o próximo frame sync MP3 (0xFF seguido de byte com
// os 3 bits altos em 1) a partir de from. Retorna -1 se não houver.
func findFrameSync(data []byte, from int64) int64 {
	if from < 0 {
		from = 0
	}
	for i := from; i+1 < int64(len(data)); i++ {
		if data[i] == 0xFF && data[i+1]&0xE0 == 0xE0 {
			return i
		}
	}
	return -1
}

// wavInfo é o resultado do parse mínimo do container RIFF/WAVE.
type wavInfo struct {
	headerEnd  int64 // offset do primeiro byte de samples
	blockAlign int64 // bytes por sample frame
	fmtChunk   []byte
}

// splitWAV corta um WAV PCM em múltiplos de blockAlign e prefixa cada
// chunk (a partir do segundo) com um header RIFF reconstruído, tornando
// cada chunk um WAV válido e independentemente decodável.
func splitWAV(data []byte, targetSize int64) ([]Chunk, bool) {
	info, ok := parseWAV(data)
	if !ok || info.blockAlign <= 0 {
		return nil, false
	}

	total := int64(len(data))
	sampleBytes := total - info.headerEnd
	if sampleBytes <= 0 {
		return nil, false
	}

	var chunks []Chunk
	index := 0
	pos := info.headerEnd

	for pos < total {
		end := pos + targetSize
		if end > total {
			end = total
		} else {
			// Alinha o corte ao sample frame.
			end -= (end - info.headerEnd) % info.blockAlign
			if end <= pos {
				end = total
			}
		}

		var payload []byte
		if index == 0 {
			// Primeiro chunk leva o header original inteiro.
			payload = data[0:end]
		} else {
			payload = rebuildWAV(info, data[pos:end])
		}

		chunks = append(chunks, Chunk{
			Index:      index,
			Start:      pos,
			End:        end,
			Data:       payload,
			IsPlayable: true,
		})
		index++
		pos = end
	}

	return chunks, true
}

// parseWAV percorre os chunks RIFF até achar "fmt " e "data".
func parseWAV(data []byte) (wavInfo, bool) {
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return wavInfo{}, false
	}

	var info wavInfo
	pos := int64(12)
	for pos+8 <= int64(len(data)) {
		id := string(data[pos : pos+4])
		size := int64(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8

		switch id {
		case "fmt ":
			if body+size > int64(len(data)) || size < 16 {
				return wavInfo{}, false
			}
			info.fmtChunk = data[body : body+size]
			info.blockAlign = int64(binary.LittleEndian.Uint16(data[body+12 : body+14]))
		case "data":
			info.headerEnd = body
			if info.fmtChunk == nil {
				return wavInfo{}, false
			}
			return info, true
		}

		// Chunks RIFF são alinhados a 2 bytes.
		pos = body + size
		if size%2 == 1 {
			pos++
		}
	}

	return wavInfo{}, false
}

// rebuildWAV monta um container WAV mínimo (RIFF + fmt + data) em volta
// dos sample bytes de um chunk.
func rebuildWAV(info wavInfo, samples []byte) []byte {
	fmtSize := len(info.fmtChunk)
	riffSize := 4 + (8 + fmtSize) + (8 + len(samples))

	out := make([]byte, 0, 12+8+fmtSize+8+len(samples))
	out = append(out, 'R', 'I', 'F', 'F')
	out = binary.LittleEndian.AppendUint32(out, uint32(riffSize))
	out = append(out, 'W', 'A', 'V', 'E')
	out = append(out, 'f', 'm', 't', ' ')
	out = binary.LittleEndian.AppendUint32(out, uint32(fmtSize))
	out = append(out, info.fmtChunk...)
	out = append(out, 'd', 'a', 't', 'a')
	out = binary.LittleEndian.AppendUint32(out, uint32(len(samples)))
	out = append(out, samples...)
	return out
}
