//go:build ignore

// Command mock-mcp simulates a stdio JSON-RPC server for tests.
// It reads one JSON message per line on stdin and answers requests on stdout.
//
// Environment variables control behaviour:
//
//	MOCK_MODE=echo       reply {"echo":{method,params}} to every request (default)
//	MOCK_MODE=silent     never reply
//	MOCK_MODE=exit-first exit after reading the first message
//	MOCK_MODE=noisy      print a non-JSON banner before every reply
//	MOCK_MODE=notify     send notifications/message before every reply
//	MOCK_MODE=deaf       never read stdin
//	MOCK_STDERR=text     write text to stderr at startup
//	MOCK_IGNORE_TERM=1   ignore SIGTERM so callers must kill
//	MOCK_HOLD=1          keep running after stdin closes
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func main() {
	if os.Getenv("MOCK_IGNORE_TERM") == "1" {
		signal.Ignore(syscall.SIGTERM)
	}
	if s := os.Getenv("MOCK_STDERR"); s != "" {
		fmt.Fprintln(os.Stderr, s)
	}
	mode := os.Getenv("MOCK_MODE")
	if mode == "deaf" {
		time.Sleep(time.Hour)
	}
	enc := json.NewEncoder(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 4096), 16<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) > 0 && line[0] == '[' {
			answerBatch(enc, line)
			continue
		}
		var m message
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			fmt.Fprintf(os.Stderr, "bad input: %v\n", err)
			continue
		}
		switch mode {
		case "exit-first":
			os.Exit(3)
		case "silent":
			continue
		}
		if len(m.ID) == 0 || string(m.ID) == "null" {
			continue
		}
		if mode == "noisy" {
			fmt.Println("mock-mcp: handling", m.Method)
		}
		if mode == "notify" {
			_ = enc.Encode(map[string]any{"jsonrpc": "2.0", "method": "notifications/message", "params": map[string]any{"about": m.Method}})
		}
		_ = enc.Encode(echo(m))
	}
	if os.Getenv("MOCK_HOLD") == "1" {
		time.Sleep(time.Hour)
	}
}

func echo(m message) map[string]any {
	params := m.Params
	if len(params) == 0 {
		params = json.RawMessage("null")
	}
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      m.ID,
		"result":  map[string]any{"echo": map[string]any{"method": m.Method, "params": params}},
	}
}

// answerBatch replies to every request in a batch with one array line.
func answerBatch(enc *json.Encoder, line []byte) {
	var batch []message
	if err := json.Unmarshal(line, &batch); err != nil {
		fmt.Fprintf(os.Stderr, "bad batch: %v\n", err)
		return
	}
	var replies []map[string]any
	for _, m := range batch {
		if len(m.ID) > 0 && string(m.ID) != "null" {
			replies = append(replies, echo(m))
		}
	}
	if len(replies) > 0 {
		_ = enc.Encode(replies)
	}
}
