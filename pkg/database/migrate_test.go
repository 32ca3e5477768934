package database

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("读取嵌入迁移失败: %v", err)
	}
	ups, downs := 0, 0
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	if ups == 0 || ups != downs {
		t.Errorf("迁移文件应成对出现: up=%d down=%d", ups, downs)
	}

	raw, err := fs.ReadFile(migrationsFS, "migrations/000001_init.up.sql")
	if err != nil {
		t.Fatal(err)
	}
	for _, table := range []string{"users", "events", "slots"} {
		if !strings.Contains(string(raw), "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("初始迁移缺少表 %s", table)
		}
	}
}
