package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"hydrocontrol/internal/commands"
	"hydrocontrol/internal/config"
	"hydrocontrol/internal/db"
	"hydrocontrol/internal/engine"
	"hydrocontrol/internal/mqtt"
	"hydrocontrol/internal/redis"
	"hydrocontrol/internal/scheduler"
	"hydrocontrol/internal/session"
	"hydrocontrol/internal/taskqueue"
	"hydrocontrol/internal/utils"
	"hydrocontrol/internal/web"

	"github.com/pion/mdns/v2"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

var log = utils.Component("MAIN")

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	utils.InitLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbConn, err := db.NewDB(ctx, cfg.DBURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer dbConn.Close()
	if err := dbConn.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate DB: %v", err)
	}

	redisClient := redis.NewRedisClient(cfg.RedisAddr)
	defer redisClient.Close()
	cache := redis.NewCache(redisClient)

	mqttClient, err := mqtt.NewMQTTClient(cfg.MQTTBroker, cfg.MQTTClientID)
	if err != nil {
		log.Fatalf("Failed to connect to MQTT: %v", err)
	}
	defer mqttClient.Disconnect(250)

	issuer := commands.NewIssuer(dbConn, mqtt.NewNotifier(mqttClient))
	sessions := session.NewManager(ctx, cfg.Session(), dbConn, cache, issuer)
	defer sessions.CloseAll()

	queue := taskqueue.NewQueue(cfg.RedisAddr)
	defer queue.Close()

	sched := scheduler.NewScheduler(queue)
	sched.Start()
	defer sched.Stop()

	eng := engine.NewEngine(engine.Deps{
		Store:        dbConn,
		Issuer:       issuer,
		Measurements: cache,
		Gate:         redis.NewGate(redisClient),
		Queue:        queue,
		Scheduler:    sched,
		Sessions:     sessions,
	})
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	worker := taskqueue.NewWorker(cfg.RedisAddr, cfg.WorkerConcurrency, eng)
	if err := worker.Start(); err != nil {
		log.Fatalf("Failed to start workers: %v", err)
	}
	defer worker.Stop()

	err = mqtt.SubscribeReadings(mqttClient, func(ctx context.Context, deviceID string, payload []byte) error {
		if err := eng.IngestReadings(ctx, deviceID, payload); err != nil {
			return err
		}
		return dbConn.MarkSeen(ctx, deviceID, time.Now())
	})
	if err != nil {
		log.Fatalf("Failed to subscribe to readings: %v", err)
	}

	webServer := web.NewWebServer(eng, dbConn, sessions, cfg.JWTSecret)
	go func() {
		if err := webServer.Start(fmt.Sprintf(":%d", cfg.HTTPPort)); err != nil {
			log.WithError(err).Error("web server stopped")
			stop()
		}
	}()

	mdnsConn := startMDNSServer(cfg.MDNSName)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("web server shutdown")
	}
	if mdnsConn != nil {
		mdnsConn.Close()
	}
	log.Info("Shutdown complete")
}

// startMDNSServer advertises localName so masters on the LAN can find the
// control plane. It returns nil when mDNS is unavailable.
func startMDNSServer(localName string) *mdns.Conn {
	if localName == "" {
		return nil
	}
	addr4, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		log.WithError(err).Warn("Failed to resolve UDP4 address for mDNS")
		return nil
	}

	addr6, err := net.ResolveUDPAddr("udp6", mdns.DefaultAddressIPv6)
	if err != nil {
		log.WithError(err).Warn("Failed to resolve UDP6 address for mDNS")
		return nil
	}

	l4, err := net.ListenUDP("udp4", addr4)
	if err != nil {
		log.WithError(err).Warn("Failed to listen on UDP4 for mDNS")
		return nil
	}

	l6, err := net.ListenUDP("udp6", addr6)
	if err != nil {
		log.WithError(err).Warn("Failed to listen on UDP6 for mDNS")
		l4.Close()
		return nil
	}

	conn, err := mdns.Server(ipv4.NewPacketConn(l4), ipv6.NewPacketConn(l6), &mdns.Config{
		LocalNames: []string{localName},
	})
	if err != nil {
		log.WithError(err).Warn("Failed to start mDNS server")
		return nil
	}
	log.Infof("advertising %s over mDNS", localName)
	return conn
}
