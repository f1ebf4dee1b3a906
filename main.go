package main

import (
	"errors"
	"fmt"
	"os"
)

// 建置時以 -ldflags "-X main.Version=..." 覆寫
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 結束碼: 1 執行失敗, 2 對照表無法使用
const (
	exitFailure = 1
	exitMapping = 2
)

func main() {
	err := Execute()
	if logger != nil {
		_ = logger.Sync()
	}
	if err == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "modbusbridge: %v\n", err)

	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		os.Exit(exitMapping)
	}
	os.Exit(exitFailure)
}
