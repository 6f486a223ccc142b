package observ

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

var logMu sync.Mutex
var logOut io.Writer = os.Stdout

// SetOutput redirects the event stream, returning the previous writer.
// Tests use it to capture events; everything else writes to stdout.
func SetOutput(w io.Writer) io.Writer {
	logMu.Lock()
	defer logMu.Unlock()
	prev := logOut
	logOut = w
	return prev
}

// Log emits one structured event as a single JSON line. The kv map is
// not mutated; ts and event win over same-named keys.
func Log(event string, kv map[string]any) {
	entry := make(map[string]any, len(kv)+2)
	for k, v := range kv {
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["event"] = event
	b, err := json.Marshal(entry)
	if err != nil {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	logOut.Write(append(b, '\n'))
}
