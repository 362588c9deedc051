// Package migrations 嵌入数据库迁移脚本,按文件名字典序应用。
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
