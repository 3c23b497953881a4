package armornum

import (
	"fmt"
	"os"
	"runtime"
)

// LibraryPathEnv 指定 onnxruntime 库路径的环境变量
const LibraryPathEnv = "ONNXRUNTIME_LIB_PATH"

// DefaultLibraryPath 返回 onnxruntime 库路径: 优先环境变量，否则按平台拼接 ./lib/ 下的文件名
func DefaultLibraryPath() string {
	if p := os.Getenv(LibraryPathEnv); p != "" {
		return p
	}
	return libraryPath(runtime.GOOS, runtime.GOARCH)
}

func libraryPath(goos, goarch string) string {
	const baseDir, libName = "./lib/", "onnxruntime"
	switch goos {
	case "windows":
		return baseDir + libName + ".dll"
	case "darwin":
		return fmt.Sprintf("%s%s_%s.dylib", baseDir, libName, goarch)
	case "linux":
		return fmt.Sprintf("%s%s_%s.so", baseDir, libName, goarch)
	default:
		return baseDir + libName + "_amd64.so"
	}
}
