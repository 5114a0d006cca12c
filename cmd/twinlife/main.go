package main

// ============================================================================
// twinlife 執行檔入口
// 所有命令與旗標都在 internal/cli
// ============================================================================

import (
	"github.com/ChuLiYu/twinlife/internal/cli"
)

func main() {
	cli.Execute()
}
