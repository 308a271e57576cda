package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/viper"
)

type serverConfig struct {
	Server struct {
		Addr   string `mapstructure:"addr"`
		WSPath string `mapstructure:"ws_path"`
	} `mapstructure:"server"`
	Capture struct {
		StreamID string `mapstructure:"stream_id"`
	} `mapstructure:"capture"`
}

type message struct {
	Type     string  `json:"type"`
	StreamID string  `json:"stream_id"`
	Sequence uint64  `json:"sequence"`
	Text     string  `json:"text"`
	Message  string  `json:"message"`
	Reason   string  `json:"reason"`
	Progress float64 `json:"progress"`
	Status   string  `json:"status"`
}

// viewer connects to a running dengar server, subscribes to one stream and
// prints what arrives. It answers heartbeat pings so the session stays open.
func main() {
	configPath := flag.String("config", "config.yaml", "")
	host := flag.String("host", "", "override host:port from the config")
	clientID := flag.String("client_id", "viewer", "")
	stream := flag.String("stream", "", "stream to subscribe to; defaults to capture.stream_id")
	flag.Parse()

	cfg, err := loadServerConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	addr := *host
	if addr == "" {
		addr = cfg.Server.Addr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
	}
	streamID := *stream
	if streamID == "" {
		streamID = cfg.Capture.StreamID
	}

	u := url.URL{Scheme: "ws", Host: addr, Path: strings.TrimSuffix(cfg.Server.WSPath, "/") + "/" + url.PathEscape(*clientID)}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		fmt.Println("dial error:", err)
		os.Exit(1)
	}
	defer conn.Close()
	fmt.Println("connected:", u.String())

	sub, _ := json.Marshal(map[string]string{"type": "subscribe", "stream_id": streamID})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		fmt.Println("subscribe error:", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			fmt.Println("disconnected:", err)
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			fmt.Println("text:", string(data))
			continue
		}
		switch {
		case msg.Type == "ping":
			if err := conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
				fmt.Println("pong error:", err)
				return
			}
		case msg.Type == "transcription":
			fmt.Printf("[%s #%d] %s\n", msg.StreamID, msg.Sequence, msg.Text)
		case msg.Type == "error":
			fmt.Printf("[%s #%d] error %s: %s\n", msg.StreamID, msg.Sequence, msg.Reason, msg.Message)
		case msg.Status != "":
			fmt.Printf("progress %.0f%% %s\n", msg.Progress, msg.Status)
		default:
			fmt.Println(msg.Type, msg.StreamID)
		}
	}
}

func loadServerConfig(path string) (serverConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.ws_path", "/ws/")
	v.SetDefault("capture.stream_id", "local")
	if err := v.ReadInConfig(); err != nil {
		return serverConfig{}, err
	}
	var cfg serverConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return serverConfig{}, err
	}
	return cfg, nil
}
