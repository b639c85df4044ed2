package logger

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLevelAndFormat(t *testing.T) {
	l := New(Config{Level: "debug", Format: "json"})
	assert.Equal(t, logrus.DebugLevel, l.log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.log.Formatter)

	l = New(Config{Level: "nonsense"})
	assert.Equal(t, logrus.InfoLevel, l.log.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, l.log.Formatter)
}

func TestFileOutputRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowd.log")
	l := New(Config{Level: "info", Format: "json", Output: path, MaxSize: 1})

	l.WithComponent("test").WithField("deal_id", "d1").Info("Сделка создана.")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"deal_id":"d1"`)
	assert.Contains(t, string(data), `"component":"test"`)
}

func TestWriterFeedsStdLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowd.log")
	l := New(Config{Level: "info", Format: "json", Output: path})

	w := l.Writer()
	errLog := log.New(w, "", 0)
	errLog.Print("http: TLS handshake error")
	require.NoError(t, w.Close())

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil &&
			strings.Contains(string(data), "TLS handshake error") &&
			strings.Contains(string(data), `"level":"error"`)
	}, 2*time.Second, 20*time.Millisecond)
}
