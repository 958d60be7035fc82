package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/ppe-guard/compliance-server/internal/logger"
)

func main() {
	var (
		url        string
		imagePath  string
		confidence float64
		count      int
		interval   time.Duration
		origin     string
		logLevel   string
		logColor   bool
	)

	flag.StringVar(&url, "url", "ws://localhost:8000/api/ws/detect", "WebSocket endpoint")
	flag.StringVar(&imagePath, "image", "", "Image file to send (required)")
	flag.Float64Var(&confidence, "confidence", 0.5, "Detection confidence threshold")
	flag.IntVar(&count, "count", 1, "Number of frames to send")
	flag.DurationVar(&interval, "interval", time.Second, "Delay between frames")
	flag.StringVar(&origin, "origin", "", "Origin header to send")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&logColor, "log-color", true, "Enable colored log output")
	flag.Parse()

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, logColor)

	if imagePath == "" {
		log.Fatalf("-image is required")
	}
	data, err := os.ReadFile(imagePath)
	if err != nil {
		log.Fatalf("Read image: %v", err)
	}
	payload := base64.StdEncoding.EncodeToString(data)

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		if resp != nil {
			log.Fatalf("Dial %s: %v (HTTP %d)", url, err, resp.StatusCode)
		}
		log.Fatalf("Dial %s: %v", url, err)
	}
	defer conn.Close()

	if _, err := expect(conn, "connected"); err != nil {
		log.Fatalf("Handshake: %v", err)
	}
	logger.Info("Client", "Connected to %s", url)

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		log.Fatalf("Send ping: %v", err)
	}
	if _, err := expect(conn, "pong"); err != nil {
		log.Fatalf("Ping: %v", err)
	}

	for i := 1; i <= count; i++ {
		start := time.Now()
		if err := conn.WriteJSON(map[string]any{"image": payload, "confidence": confidence}); err != nil {
			log.Fatalf("Send frame %d: %v", i, err)
		}
		result, err := expect(conn, "result")
		if err != nil {
			log.Fatalf("Frame %d: %v", i, err)
		}
		logger.Info("Client", "Frame %d: compliant=%v persons=%v missing=%v (%v round trip)",
			i, result["is_compliant"], len(asSlice(result["body_regions"])), result["missing"], time.Since(start).Round(time.Millisecond))

		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))

		if i < count {
			time.Sleep(interval)
		}
	}

	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
}

// expect reads messages until one of type want arrives. Error messages abort.
func expect(conn *websocket.Conn, want string) (map[string]any, error) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return nil, err
		}
		kind, _ := msg["type"].(string)
		logger.Debug("Client", "<- %s", kind)
		switch kind {
		case want:
			return msg, nil
		case "error":
			return nil, fmt.Errorf("server error: %v", msg["message"])
		}
	}
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}
