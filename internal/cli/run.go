// Package cli implements command line interface for gortcd.
package cli

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/libp2p/go-reuseport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gortc/ice"
	"github.com/turnrelay/turnd/internal/auth"
	"github.com/turnrelay/turnd/internal/filter"
	"github.com/turnrelay/turnd/internal/manage"
	"github.com/turnrelay/turnd/internal/reload"
	"github.com/turnrelay/turnd/internal/server"
	"github.com/turnrelay/turnd/pkg/stun"
)

// ListenUDPAndServe listens on laddr and process incoming packets.
func ListenUDPAndServe(log *zap.Logger, serverNet, laddr string, u *server.Updater) error {
	var (
		c   net.PacketConn
		err error
	)
	opt := u.Get()
	if reuseport.Available() && opt.ReusePort {
		c, err = reuseport.ListenPacket(serverNet, laddr)
	} else {
		c, err = net.ListenPacket(serverNet, laddr)
	}
	if err != nil {
		return err
	}
	opt.Conn = c
	opt.Log = log
	s, err := server.New(opt)
	if err != nil {
		return err
	}
	u.Subscribe(s)
	return s.Serve()
}

// protocolNotSupported reports whether err is a listen failure caused by the
// kernel lacking support for the requested protocol, e.g. IPv6 disabled.
// Such failures are skipped rather than treated as fatal, since a host can
// still serve other configured addresses.
func protocolNotSupported(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		return false
	}
	var sysErr *os.SyscallError
	if errors.As(opErr.Err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EPROTONOSUPPORT)
	}
	return errors.Is(opErr.Err, syscall.EPROTONOSUPPORT)
}

func normalize(address string) string {
	if address == "" {
		address = "0.0.0.0"
	}
	if !strings.Contains(address, ":") {
		address = fmt.Sprintf("%s:%d", address, stun.DefaultPort)
	}
	return address
}

type staticCredElem struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Key      string `mapstructure:"key"`
	Realm    string `mapstructure:"realm"`
}

func parseFilteringRules(v *viper.Viper, parentLogger *zap.Logger, key string) (*filter.List, error) {
	l := parentLogger.Named(key)
	type rawRuleItem struct {
		Net    string `mapstructure:"net"`
		Action string `mapstructure:"action"`
	}
	var rawRules []rawRuleItem
	if keyErr := v.UnmarshalKey("filter."+key+".rules", &rawRules); keyErr != nil {
		l.Error("failed to parse rules", zap.Error(keyErr))
		return nil, keyErr
	}
	var rules []filter.Rule
	for _, rawRule := range rawRules {
		var action filter.Action
		switch strings.ToLower(rawRule.Action) {
		case "allow":
			action = filter.Allow
		case "drop", "forbid", "deny", "block":
			action = filter.Deny
		case "pass", "none", "":
			action = filter.Pass
		default:
			l.Error("failed to parse action", zap.String("action", rawRule.Action))
			return nil, fmt.Errorf("unknown action %s", rawRule.Action)
		}
		rule, ruleErr := filter.StaticNetRule(action, rawRule.Net)
		if ruleErr != nil {
			l.Error("failed to parse subnet",
				zap.Error(ruleErr), zap.String("net", rawRule.Net),
			)
			return nil, ruleErr
		}
		l.Info("added rule",
			zap.Stringer("action", action),
			zap.String("net", rawRule.Net),
		)
		rules = append(rules, rule)
	}
	defaultAction := filter.Allow
	switch strings.ToLower(v.GetString("filter." + key + ".action")) {
	case "allow", "":
		// Same as default.
	case "drop", "forbid", "deny", "block":
		defaultAction = filter.Deny
	case "pass", "none":
		return nil, errors.New("default action cannot be pass")
	default:
		return nil, errors.New("unknown default action")
	}
	l.Info("default action set", zap.Stringer("action", defaultAction))
	return filter.NewFilter(defaultAction, rules...), nil
}

const keyPrometheusActive = "server.prometheus.active"

func parseOptions(v *viper.Viper, l *zap.Logger, o *server.Options) error {
	o.Realm = v.GetString("server.realm")
	o.Workers = v.GetInt("server.workers")
	o.AuthForSTUN = v.GetBool("auth.stun")
	o.Software = v.GetString("server.software")
	o.ReusePort = v.GetBool("server.reuseport")
	o.DebugCollect = v.GetBool("server.debug.collect")
	o.MetricsEnabled = v.GetBool(keyPrometheusActive)
	o.PortMin = v.GetInt("server.port_range.min")
	o.PortMax = v.GetInt("server.port_range.max")
	if mapped := v.GetString("server.overrides.mapped_address"); mapped != "" {
		o.Overrides = map[string]string{"mapped_address": mapped}
	}
	filterLog := l.Named("filter")
	var parseErr error
	if o.PeerRule, parseErr = parseFilteringRules(v, filterLog, "peer"); parseErr != nil {
		l.Error("failed to parse peer rules", zap.Error(parseErr))
		return parseErr
	}
	if o.ClientRule, parseErr = parseFilteringRules(v, filterLog, "client"); parseErr != nil {
		l.Error("failed to parse client rules", zap.Error(parseErr))
		return parseErr
	}
	if o.Software != "" {
		l.Info("will be sending SOFTWARE attribute", zap.String("software", o.Software))
	}
	return nil
}

// parseStaticCredentials decodes the auth.static config key into a slice of
// long-term credentials. An entry's "key" field, if present and 0x-prefixed,
// is used as the precomputed HA1 instead of deriving it from the password.
func parseStaticCredentials(v *viper.Viper, l *zap.Logger, realm string) []auth.StaticCredential {
	var rawCredentials []staticCredElem
	if keyErr := v.UnmarshalKey("auth.static", &rawCredentials); keyErr != nil {
		l.Error("failed to parse auth.static config", zap.Error(keyErr))
		return nil
	}
	credentials := make([]auth.StaticCredential, 0, len(rawCredentials))
	for _, cred := range rawCredentials {
		var a auth.StaticCredential
		if cred.Realm == "" {
			cred.Realm = realm
		}
		if strings.HasPrefix(cred.Key, "0x") {
			key, decodeErr := hex.DecodeString(cred.Key[2:])
			if decodeErr != nil {
				l.Error("failed to parse credential key",
					zap.String("username", cred.Username),
					zap.Error(decodeErr),
				)
			}
			a.Key = key
		}
		a.Username = cred.Username
		a.Password = cred.Password
		a.Realm = cred.Realm
		credentials = append(credentials, a)
	}
	return credentials
}

// buildAuth selects the credential mechanism named by auth.mechanism
// ("static" by default, or "short-term" / "time-limited") and wires it to
// its corresponding config keys.
func buildAuth(v *viper.Viper, l *zap.Logger, realm string) server.Auth {
	switch strings.ToLower(v.GetString("auth.mechanism")) {
	case "", "static":
		return auth.NewStatic(parseStaticCredentials(v, l, realm))
	case "short-term":
		return auth.ShortTerm{Password: v.GetString("auth.password")}
	case "time-limited":
		return auth.TimeLimited{
			SharedSecret: v.GetString("auth.shared_secret"),
			Realm:        realm,
		}
	default:
		l.Fatal("unknown auth.mechanism", zap.String("mechanism", v.GetString("auth.mechanism")))
		return nil
	}
}

// getListeners builds the background HTTP endpoints (prometheus metrics,
// pprof, config-reload management API) and starts serving on each one that
// has a configured address. The returned funcs run the blocking accept
// loops; getListeners has already started them as goroutines, so they are
// returned mainly so that a caller can observe how many are active.
func getListeners(v *viper.Viper, l *zap.Logger) []func() error {
	if cfgPath := v.ConfigFileUsed(); cfgPath != "" {
		l.Info("config file used", zap.String("path", cfgPath))
	} else {
		l.Info("default configuration used")
	}

	var fns []func() error

	if addr := v.GetString("server.prometheus.addr"); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			l.Error("prometheus failed to listen", zap.String("addr", addr), zap.Error(err))
		} else {
			l.Warn("running prometheus metrics", zap.String("addr", ln.Addr().String()))
			reg := prometheus.NewPedanticRegistry()
			handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
				ErrorLog:      zap.NewStdLog(l),
				ErrorHandling: promhttp.HTTPErrorOnError,
			})
			fn := func() error { return http.Serve(ln, handler) }
			fns = append(fns, fn)
			go runListener(l, "prometheus", fn)
		}
	} else if v.GetBool(keyPrometheusActive) {
		l.Warn("ignoring " + keyPrometheusActive + " because prometheus http endpoint is not configured")
	}

	if addr := v.GetString("server.pprof"); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			l.Error("pprof failed to listen", zap.String("addr", addr), zap.Error(err))
		} else {
			l.Warn("running pprof", zap.String("addr", ln.Addr().String()))
			mux := http.NewServeMux()
			mux.HandleFunc("/debug/pprof/", pprof.Index)
			mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
			mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
			fn := func() error { return http.Serve(ln, mux) }
			fns = append(fns, fn)
			go runListener(l, "pprof", fn)
		}
	}

	if addr := v.GetString("api.addr"); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			l.Error("failed to listen on management API addr", zap.String("addr", addr), zap.Error(err))
		} else {
			l.Info("api listening", zap.String("addr", ln.Addr().String()))
			n := reload.NewNotifier()
			m := manage.NewManager(l.Named("api"), n)
			fn := func() error { return http.Serve(ln, m) }
			fns = append(fns, fn)
			go runListener(l, "api", fn)
		}
	}

	return fns
}

func runListener(l *zap.Logger, name string, fn func() error) {
	if err := fn(); err != nil {
		l.Error(name+" listener failed", zap.Error(err))
	}
}

// getRoot builds the root command. listen is called once per configured
// server address and performs the actual UDP serving; it is injected so
// tests can observe dispatched addresses without binding real sockets.
func getRoot(v *viper.Viper, listen func(log *zap.Logger, serverNet, laddr string, u *server.Updater) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gortcd",
		Short: "gortcd is STUN and TURN server",
		Run: func(cmd *cobra.Command, args []string) {
			logCfg, logErr := getZapConfig(v)
			if logErr != nil {
				panic(logErr)
			}
			l, buildErr := logCfg.Build()
			if buildErr != nil {
				panic(buildErr)
			}

			getListeners(v, l)

			if strings.Split(v.GetString("version"), ".")[0] != "1" {
				l.Fatal("unsupported config file version", zap.String("v", v.GetString("version")))
			}

			realm := v.GetString("server.realm")
			l.Info("realm", zap.String("k", realm))

			reg := prometheus.NewPedanticRegistry()
			o := server.Options{
				Log:      l,
				Registry: reg,
			}
			if v.GetBool("auth.public") {
				l.Warn("auth is public")
			} else {
				o.Auth = buildAuth(v, l, realm)
			}
			if parseErr := parseOptions(v, l, &o); parseErr != nil {
				l.Fatal("failed to parse", zap.Error(parseErr))
			}

			u := server.NewUpdater(o)
			n := reload.NewNotifier()
			go func() {
				for range n.C {
					l.Info("trying to update config")
					if readErr := v.ReadInConfig(); readErr != nil {
						l.Error("failed to read config", zap.Error(readErr))
						continue
					}
					l.Info("config read", zap.String("path", v.ConfigFileUsed()))
					newOptions := server.Options{
						Log:      l,
						Registry: reg,
					}
					newRealm := v.GetString("server.realm")
					if v.GetBool("auth.public") {
						l.Warn("auth is public")
					} else {
						newOptions.Auth = buildAuth(v, l, newRealm)
					}
					if parseErr := parseOptions(v, l, &newOptions); parseErr != nil {
						l.Error("failed to parse config", zap.Error(parseErr))
						continue
					}
					u.Set(newOptions)
					l.Info("config updated")
				}
			}()

			wg := new(sync.WaitGroup)
			for _, addr := range v.GetStringSlice("server.listen") {
				l.Info("got addr", zap.String("addr", addr))
				normalized := normalize(addr)
				if strings.HasPrefix(normalized, "0.0.0.0") {
					l.Warn("running on all interfaces")
					l.Warn("picking addr from ICE")
					addrs, iceErr := ice.Gather()
					if iceErr != nil {
						l.Fatal("failed to gather addresses", zap.Error(iceErr))
					}
					for _, a := range addrs {
						l.Warn("got", zap.Stringer("a", a))
						if a.IP.IsLoopback() {
							continue
						}
						if a.IP.IsLinkLocalMulticast() || a.IP.IsLinkLocalUnicast() {
							continue
						}
						if a.IP.To4() == nil {
							continue
						}
						l.Warn("using", zap.Stringer("a", a))
						wg.Add(1)
						go func(addr string) {
							defer wg.Done()
							l.Info("gortc/gortcd listening",
								zap.String("addr", addr),
								zap.String("network", "udp"),
							)
							if lErr := listen(l, "udp", addr, u); lErr != nil && !protocolNotSupported(lErr) {
								l.Fatal("failed to listen", zap.Error(lErr))
							}
						}(strings.Replace(normalized, "0.0.0.0", a.IP.String(), -1))
					}
				} else {
					l.Info("gortc/gortcd listening",
						zap.String("addr", normalized),
						zap.String("network", "udp"),
					)
					wg.Add(1)
					go func() {
						defer wg.Done()
						if lErr := listen(l, "udp", normalized, u); lErr != nil && !protocolNotSupported(lErr) {
							l.Fatal("failed to listen", zap.Error(lErr))
						}
					}()
				}
			}
			wg.Wait()
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/gortcd.yml)")
	cmd.Flags().StringArrayP("listen", "l", []string{"0.0.0.0:3478"}, "listen address")
	cmd.Flags().String("pprof", "", "pprof address if specified")
	cmd.Flags().String("cpuprofile", "", "write cpu profile")
	mustBind(v.BindPFlag("server.listen", cmd.Flags().Lookup("listen")))
	mustBind(v.BindPFlag("server.pprof", cmd.Flags().Lookup("pprof")))
	mustBind(v.BindPFlag("server.cpuprofile", cmd.Flags().Lookup("cpuprofile")))

	cobra.OnInitialize(func() { initConfig(v) })

	cmd.AddCommand(getKeyCmd())
	cmd.AddCommand(getReloadCmd(v))
	return cmd
}
