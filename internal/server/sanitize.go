// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maxFilenameLength limita nomes vindos do cliente.
const maxFilenameLength = 255

// sanitizeFilename valida o nome de arquivo enviado no upload e o reduz
// ao componente base. O nome vira parte de chaves de storage e do hint
// de formato, então path traversal e bytes de controle são rejeitados.
func sanitizeFilename(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("filename cannot be empty")
	}

	// Clientes mandam paths completos; só o base importa.
	name = filepath.Base(filepath.ToSlash(name))

	if len(name) > maxFilenameLength {
		return "", fmt.Errorf("filename exceeds max length %d", maxFilenameLength)
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("filename contains null byte")
	}
	if name == "." || name == ".." || strings.HasPrefix(name, "..") {
		return "", fmt.Errorf("filename contains path traversal")
	}
	if strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("filename starts with dot")
	}

	return name, nil
}

// fileExt devolve a extensão minúscula sem o ponto ("mp3", "wav"),
// usada nas chaves de chunk e no hint de formato.
func fileExt(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" {
		return "bin"
	}
	return ext
}
