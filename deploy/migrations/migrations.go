package migrations

import "embed"

// Files 包含结果存储的建表迁移，按文件名前缀的版本号顺序执行。
//
//go:embed *.sql
var Files embed.FS
