package server

import (
	"embed"
	"fmt"
)

//go:embed web/index.html
var embedFS embed.FS

// getIndexHTML はビューアーページの内容を返す
func getIndexHTML() ([]byte, error) {
	data, err := embedFS.ReadFile("web/index.html")
	if err != nil {
		return nil, fmt.Errorf("埋め込みindex.htmlの読み込みに失敗: %w", err)
	}
	return data, nil
}
