package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"

	"github.com/tutorlink/go-classroom/cache"
	"github.com/tutorlink/go-classroom/chat"
	"github.com/tutorlink/go-classroom/config"
	"github.com/tutorlink/go-classroom/rest"
	"github.com/tutorlink/go-classroom/rtc"
	"github.com/tutorlink/go-classroom/stats"
	"github.com/tutorlink/go-classroom/transport"
	"github.com/tutorlink/go-classroom/types"
)

const reconnectWait = 2 * time.Minute

var (
	configPath string
	chatURL    string
	videoURL   string
	historyURL string
	cacheDir   string
	debugAddr  string
	room       string

	userID        string
	userType      string
	preferredName string
	firstName     string
	lastName      string
)

func main() {
	flag.StringVar(&configPath, "config", "", "path to a TOML config file")
	flag.StringVar(&chatURL, "chat-url", "ws://localhost:11114/ws", "chat server websocket URL")
	flag.StringVar(&videoURL, "video-url", "ws://localhost:11116", "video signaling server URL")
	flag.StringVar(&historyURL, "history-url", "http://localhost:11115", "chat history HTTP server URL")
	flag.StringVar(&cacheDir, "cache-dir", defaultCacheDir(), "directory for the local cache")
	flag.StringVar(&debugAddr, "debug-addr", "localhost:6061", "debug HTTP server address")
	flag.StringVar(&room, "room", "", "classroom id to join")
	flag.StringVar(&userID, "user-id", "", "current user id")
	flag.StringVar(&userType, "user-type", string(types.UserTypeStudent), "user type (student or teacher)")
	flag.StringVar(&preferredName, "preferred-name", "", "preferred display name")
	flag.StringVar(&firstName, "first-name", "", "first name")
	flag.StringVar(&lastName, "last-name", "", "last name")
	flag.Parse()

	logger := log.New(os.Stderr, "[classroom] ", log.LstdFlags)

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.FromFile(configPath)
	} else {
		cfg, err = config.NewConfig(chatURL, videoURL, historyURL, cacheDir, debugAddr, room)
	}
	if err != nil {
		logger.Fatal("config: ", err)
	}

	if userID == "" {
		logger.Fatal("user-id is required")
	}

	user := types.ChatUser{
		UserID:        userID,
		UserType:      types.UserType(userType),
		PreferredName: preferredName,
		FirstName:     firstName,
		LastName:      lastName,
	}

	store, err := cache.NewFileStore(cfg.CacheDir, logger)
	if err != nil {
		logger.Fatal("open cache: ", err)
	}
	defer store.Close()

	mux := http.NewServeMux()
	statsUpdater := stats.NewUpdater(mux)
	for _, name := range stats.Metrics {
		statsUpdater.RegisterMetric(name)
	}
	statsUpdater.Run()
	defer statsUpdater.Stop()

	debugSrv := &http.Server{
		Addr: cfg.DebugAddr,
		Handler: handlers.CORS(
			handlers.AllowedOrigins([]string{"*"}),
			handlers.AllowedMethods([]string{http.MethodGet}),
		)(mux),
	}
	go func() {
		if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Println("debug server:", err)
		}
	}()

	var eng *chat.Engine
	chatConn, err := transport.Dial(cfg.ChatServerURL,
		transport.WithLogger(logger),
		transport.WithStats(statsUpdater),
		transport.WithReconnect(reconnectWait),
		transport.WithOnReconnect(func() {
			eng.Reset()
			if err := eng.Register(user); err != nil {
				logger.Println("re-register after reconnect:", err)
			}
		}),
	)
	if err != nil {
		logger.Fatal("dial chat server: ", err)
	}
	defer chatConn.Close()

	eng = chat.NewEngine(chatConn, store, statsUpdater, logger,
		chat.WithErrorFunc(func(err error) {
			logger.Println("chat error:", err)
		}),
	)
	defer eng.Close()

	if err := eng.Register(user); err != nil {
		logger.Fatal("register user: ", err)
	}

	videoConn, err := transport.Dial(
		fmt.Sprintf("%s/?type=%s&room=%s", cfg.VideoServerURL, user.UserType, cfg.Room),
		transport.WithLogger(logger),
		transport.WithStats(statsUpdater),
		transport.WithReconnect(reconnectWait),
	)
	if err != nil {
		logger.Fatal("dial video server: ", err)
	}
	defer videoConn.Close()

	mgr := rtc.NewManager(func(msg rtc.Message) error {
		return videoConn.SendRaw(msg)
	}, statsUpdater, logger)
	videoConn.HandleRaw(mgr.HandleFrame)
	defer mgr.End()

	history := rest.NewSession(rest.NewClient(cfg.HistoryServerURL, logger), store, statsUpdater, logger)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := history.LoadChats(ctx, user.UserID); err != nil {
			logger.Println("preload chat history:", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case <-chatConn.Done():
		logger.Println("chat connection lost")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := debugSrv.Shutdown(shutdownCtx); err != nil {
		logger.Println("debug server shutdown:", err)
	}

	logger.Println("shutdown complete")
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".classroom-cache"
	}
	return dir + "/go-classroom"
}
