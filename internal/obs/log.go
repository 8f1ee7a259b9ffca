package obs

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

var (
	mu           sync.Mutex
	base         = log.New(os.Stdout, "", 0)
	debugEnabled bool
)

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	mu.Lock()
	debugEnabled = v
	mu.Unlock()
}

// SetOutput redirects log lines, mostly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	base.SetOutput(w)
	mu.Unlock()
}

type Fields map[string]any

func logWith(level, msg string, f Fields) {
	out := Fields{}
	for k, v := range f {
		out[k] = v
	}
	out["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	out["level"] = level
	out["msg"] = msg
	b, err := json.Marshal(out)
	if err != nil {
		base.Printf("{\"level\":\"error\",\"msg\":\"log marshal failure\",\"err\":%q}", err.Error())
		return
	}
	base.Println(string(b))
}

func Info(msg string, f Fields)  { logWith("info", msg, f) }
func Warn(msg string, f Fields)  { logWith("warn", msg, f) }
func Error(msg string, f Fields) { logWith("error", msg, f) }
func Debug(msg string, f Fields) {
	mu.Lock()
	on := debugEnabled
	mu.Unlock()
	if on {
		logWith("debug", msg, f)
	}
}

// Err renders err for a log field; nil stays empty.
func Err(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
