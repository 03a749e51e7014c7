package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"redcapaudit/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	Use(zap.New(core))
	t.Cleanup(func() { Use(zap.NewNop()) })
	return logs
}

// TestAllCategoriesLog tests that every category reaches the shared logger
func TestAllCategoriesLog(t *testing.T) {
	logs := observe(t)

	all := []Category{
		CategoryBoot, CategoryDocument, CategoryRules, CategoryHistory,
		CategoryWatch, CategoryREDCap, CategoryBrowser, CategoryAlerts,
	}
	for _, cat := range all {
		Get(cat).Info("hello from %s", cat)
	}

	entries := logs.All()
	if len(entries) != len(all) {
		t.Fatalf("expected %d entries, got %d", len(all), len(entries))
	}
	for i, cat := range all {
		if entries[i].LoggerName != string(cat) {
			t.Errorf("entry %d: expected logger name %s, got %s", i, cat, entries[i].LoggerName)
		}
		if !strings.Contains(entries[i].Message, string(cat)) {
			t.Errorf("entry %d: message %q missing category", i, entries[i].Message)
		}
	}
}

func TestLevels(t *testing.T) {
	logs := observe(t)
	l := Get(CategoryRules)

	l.Debug("d %d", 1)
	l.Info("i %d", 2)
	l.Warn("w %d", 3)
	l.Error("e %d", 4)

	want := []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	entries := logs.All()
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(entries))
	}
	for i, lvl := range want {
		if entries[i].Level != lvl {
			t.Errorf("entry %d: expected %v, got %v", i, lvl, entries[i].Level)
		}
	}
}

func TestWithAddsFields(t *testing.T) {
	logs := observe(t)

	Get(CategoryRules).With("rule", "observation-exists[ob_3a]").Warn("failed")

	entries := logs.FilterField(zap.String("rule", "observation-exists[ob_3a]")).All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry with rule field, got %d", len(entries))
	}
}

func TestDisabledCategoryIsSilent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	install(zap.New(core), map[string]bool{"watch": false})
	t.Cleanup(func() { Use(zap.NewNop()) })

	if IsCategoryEnabled(CategoryWatch) {
		t.Fatal("watch should be disabled")
	}
	if !IsCategoryEnabled(CategoryRules) {
		t.Fatal("unlisted categories are enabled by default")
	}

	Get(CategoryWatch).Error("should not appear")
	Get(CategoryRules).Info("should appear")

	if logs.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", logs.Len())
	}
}

func TestGetReturnsCachedLogger(t *testing.T) {
	observe(t)
	if Get(CategoryBoot) != Get(CategoryBoot) {
		t.Error("expected the same logger instance for a category")
	}
}

func TestConcurrentGet(t *testing.T) {
	observe(t)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			Get(CategoryRules).Debug("goroutine %d", i)
		}(i)
	}
	wg.Wait()
}

func TestInitialize(t *testing.T) {
	t.Cleanup(func() { Use(zap.NewNop()) })

	t.Run("writes json to file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "audit.log")
		logger, err := Initialize(config.LoggingConfig{Level: "info", Format: "json", File: path}, false)
		if err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		Get(CategoryBoot).Info("started")
		Get(CategoryBoot).Debug("hidden at info level")
		_ = logger.Sync()

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		if !strings.Contains(string(data), `"msg":"started"`) {
			t.Errorf("expected json entry, got %s", data)
		}
		if strings.Contains(string(data), "hidden") {
			t.Error("debug entry should be filtered at info level")
		}
	})

	t.Run("verbose forces debug", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "audit.log")
		logger, err := Initialize(config.LoggingConfig{Level: "error", File: path}, true)
		if err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if !logger.Core().Enabled(zapcore.DebugLevel) {
			t.Error("expected debug level to be enabled")
		}
	})

	t.Run("rejects bad level", func(t *testing.T) {
		if _, err := Initialize(config.LoggingConfig{Level: "loud"}, false); err == nil {
			t.Error("expected error for bad level")
		}
	})

	t.Run("rejects bad format", func(t *testing.T) {
		if _, err := Initialize(config.LoggingConfig{Format: "xml"}, false); err == nil {
			t.Error("expected error for bad format")
		}
	})
}
