package server

import (
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/turnrelay/turnd/internal/filter"
	"github.com/turnrelay/turnd/pkg/stun"
	"github.com/turnrelay/turnd/pkg/turn"
)

// metricsCollector is the subset of promMetrics a config snapshot needs on
// the hot path; noopMetrics is used when Options.MetricsEnabled is false.
type metricsCollector interface {
	incSTUNMessages()
}

// config is an immutable snapshot of server options, swapped atomically
// via Server.cfg so that in-flight packet processing never observes a
// torn update.
type config struct {
	maxLifetime     time.Duration
	defaultLifetime time.Duration
	authForSTUN     bool
	debugCollect    bool
	realm           stun.Realm
	software        stun.Software
	peerFilter      filter.Rule
	clientFilter    filter.Rule
	metrics         metricsCollector
	mappedAddr      *turn.Addr
}

func (s *Server) newConfig(o Options) config {
	metrics := metricsCollector(noopMetrics{})
	if o.MetricsEnabled {
		metrics = s.promMetrics
	}
	return config{
		maxLifetime:     3600 * time.Second,
		defaultLifetime: 600 * time.Second,
		authForSTUN:     o.AuthForSTUN,
		debugCollect:    o.DebugCollect,
		realm:           stun.Realm(o.Realm),
		software:        stun.NewSoftware(o.Software),
		peerFilter:      o.PeerRule,
		clientFilter:    o.ClientRule,
		metrics:         metrics,
		mappedAddr:      parseMappedAddrOverride(o.Log, o.Overrides),
	}
}

// parseMappedAddrOverride reads the "mapped_address" key from the process
// surface's overrides map and forces the Binding response's
// XOR-MAPPED-ADDRESS to it instead of the request's observed source
// address, e.g. for a server sitting behind a 1:1 NAT.
func parseMappedAddrOverride(l *zap.Logger, overrides map[string]string) *turn.Addr {
	v, ok := overrides["mapped_address"]
	if !ok || v == "" {
		return nil
	}
	host, portStr, err := net.SplitHostPort(v)
	if err != nil {
		if l != nil {
			l.Warn("invalid mapped_address override", zap.String("v", v), zap.Error(err))
		}
		return nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		if l != nil {
			l.Warn("invalid mapped_address override port", zap.String("v", v), zap.Error(err))
		}
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		if l != nil {
			l.Warn("invalid mapped_address override ip", zap.String("v", v))
		}
		return nil
	}
	return &turn.Addr{IP: ip, Port: port}
}
