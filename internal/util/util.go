package util

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadDict 加载字典文件，每行一个标签，行号即下标
func LoadDict(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("无法打开字典文件 %s: %w", path, err)
	}
	defer file.Close()
	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取字典文件时出错: %w", err)
	}
	return lines, nil
}

// SaveDict 按下标顺序写出字典文件
func SaveDict(path string, entries []string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("无法创建字典文件 %s: %w", path, err)
	}
	w := bufio.NewWriter(file)
	for _, e := range entries {
		if strings.ContainsAny(e, "\r\n") || e == "" {
			file.Close()
			return fmt.Errorf("字典项 %q 无效", e)
		}
		fmt.Fprintln(w, e)
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("写入字典文件时出错: %w", err)
	}
	return file.Close()
}
