// devredis runs an in-process Redis for local development, so commissiond
// and the worker have a lock & broadcast fabric without a real server.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"

	"github.com/sctennis77/zazzle-agent-sub001/pkg/logger"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6379", "address to listen on")
	flag.Parse()

	log := logger.Setup().With().Str("component", "devredis").Logger()

	s := miniredis.NewMiniRedis()
	if err := s.StartAddr(*addr); err != nil {
		log.Fatal().Err(err).Str("addr", *addr).Msg("start devredis")
	}
	defer s.Close()

	log.Info().Str("addr", s.Addr()).Msg("devredis listening")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")
}
