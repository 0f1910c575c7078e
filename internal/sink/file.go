package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File 以 JSON Lines 追加写入结果，并在启动时恢复每个键的最新记录。
type File struct {
	mu   sync.RWMutex
	path string
	last map[string]Record
}

// NewFile 在 dataDir 下创建或打开 results.log。
func NewFile(dataDir string) (*File, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	f := &File{path: filepath.Join(dataDir, "results.log"), last: make(map[string]Record)}
	if err := f.loadFromDisk(); err != nil {
		return nil, err
	}
	return f, nil
}

// Path 返回日志文件路径。
func (f *File) Path() string {
	return f.path
}

// Put 以追加写的方式记录结果。
func (f *File) Put(_ context.Context, key string, rec Record) error {
	rec.Key = key
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化结果记录失败: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开结果日志失败: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入结果日志失败: %w", err)
	}
	f.last[key] = rec
	return nil
}

// Get 返回键的最新记录。
func (f *File) Get(_ context.Context, key string) (Record, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, ok := f.last[key]
	return rec, ok, nil
}

func (f *File) loadFromDisk() error {
	file, err := os.OpenFile(f.path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取结果日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil || rec.Key == "" {
			continue
		}
		f.last[rec.Key] = rec
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析结果日志失败: %w", err)
	}
	return nil
}
