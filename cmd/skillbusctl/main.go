package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/opshelm/skillbus/client"
	"github.com/opshelm/skillbus/models"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: skillbusctl [--socket PATH] <command> [args]

commands:
  subscribe   <topic> <endpoint> <path>
  unsubscribe <topic> <endpoint> <path>
  publish     <topic> [json-message]
  status
  watch`)
	os.Exit(2)
}

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: false})

	var socketPath string
	fs := flag.NewFlagSet("skillbusctl", flag.ExitOnError)
	fs.StringVar(&socketPath, "socket", "/tmp/skillbus.sock", "Relay unix socket path.")
	fs.Parse(os.Args[1:])

	args := fs.Args()
	if len(args) == 0 {
		usage()
	}

	cl, err := client.New(&client.Config{SocketPath: socketPath})
	if err != nil {
		logger.Fatal("could not create client", "error", err)
	}

	switch args[0] {
	case "subscribe":
		if len(args) != 4 {
			usage()
		}
		response, err := cl.Subscribe(args[1], args[2], args[3])
		if err != nil {
			logger.Fatal("subscribe failed", "error", err)
		}
		logger.Info("subscribed", "topic", args[1])
		if response != nil {
			printJSON(response)
		}

	case "unsubscribe":
		if len(args) != 4 {
			usage()
		}
		if err := cl.Unsubscribe(args[1], args[2], args[3]); err != nil {
			logger.Fatal("unsubscribe failed", "error", err)
		}
		logger.Info("unsubscribed", "topic", args[1])

	case "publish":
		if len(args) < 2 {
			usage()
		}
		var message models.Document
		if len(args) == 3 {
			message = models.Document{}
			if err := json.Unmarshal([]byte(args[2]), &message); err != nil {
				logger.Fatal("message is not a JSON object", "error", err)
			}
		}
		if err := cl.Publish(args[1], message); err != nil {
			logger.Fatal("publish failed", "error", err)
		}
		logger.Info("published", "topic", args[1])

	case "status":
		status, err := cl.Status()
		if err != nil {
			logger.Fatal("status failed", "error", err)
		}
		printJSON(status)

	case "watch":
		watch(logger, socketPath)

	default:
		usage()
	}
}

// watch streams the relay's monitor events until interrupted.
func watch(logger *log.Logger, socketPath string) {
	dialer := websocket.Dialer{
		NetDial: func(_, _ string) (net.Conn, error) {
			return net.Dial("unix", socketPath)
		},
	}
	conn, resp, err := dialer.Dial("ws://localhost/monitor", nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
			logger.Fatal("monitor connection limit reached")
		}
		logger.Fatal("could not connect to monitor", "error", err)
	}
	defer conn.Close()

	logger.Info("watching relay events", "socket", socketPath)
	for {
		var event models.MonitorEvent
		if err := conn.ReadJSON(&event); err != nil {
			logger.Fatal("monitor stream closed", "error", err)
		}
		logger.Info(event.Kind,
			"topic", event.Topic,
			"endpoint", event.Endpoint,
			"path", event.Path,
			"outcome", event.Outcome,
			"detail", event.Detail,
		)
	}
}

func printJSON(doc models.Document) {
	pretty, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return
	}
	fmt.Println(string(pretty))
}
