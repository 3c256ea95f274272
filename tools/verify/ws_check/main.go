// Command ws_check runs a live smoke test against a running taskpipe
// server: connect, ping, submit a task and wait for task_complete.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<marshal-error:%v>", err)
	}
	return string(b)
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:18790/ws", "websocket endpoint")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	content := flag.String("content", "smoke test task", "task content to submit")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *url+"?client_id=ws-check", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	read := func() map[string]interface{} {
		var evt map[string]interface{}
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("<< %s\n", mustJSON(evt))
		return evt
	}
	write := func(msg map[string]interface{}) {
		fmt.Printf(">> %s\n", mustJSON(msg))
		if err := wsjson.Write(ctx, conn, msg); err != nil {
			fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
			os.Exit(1)
		}
	}

	if evt := read(); evt["type"] != "connection_established" {
		fmt.Fprintf(os.Stderr, "expected connection_established greeting, got %v\n", evt["type"])
		os.Exit(1)
	}

	write(map[string]interface{}{"type": "ping"})
	if evt := read(); evt["type"] != "pong" {
		fmt.Fprintf(os.Stderr, "expected pong, got %v\n", evt["type"])
		os.Exit(1)
	}
	fmt.Println("PING_CHECK ok")

	taskID := uuid.NewString()
	write(map[string]interface{}{"type": "task", "task_id": taskID, "content": *content})

	for {
		evt := read()
		switch evt["type"] {
		case "task_complete":
			if evt["task_id"] != taskID {
				fmt.Fprintf(os.Stderr, "task_complete for wrong task: %v\n", evt["task_id"])
				os.Exit(1)
			}
			fmt.Println("VERDICT PASS")
			return
		case "error":
			fmt.Fprintf(os.Stderr, "server error: %v\n", evt["content"])
			os.Exit(1)
		}
	}
}
