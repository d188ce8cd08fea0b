package authflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IMQS/log"
	"github.com/MrEthical07/authflow/directory"
	"github.com/MrEthical07/authflow/internal/audit"
	"github.com/MrEthical07/authflow/internal/authenticators"
	"github.com/MrEthical07/authflow/internal/flows"
	"github.com/MrEthical07/authflow/internal/rate"
	"github.com/MrEthical07/authflow/internal/stores"
	"github.com/MrEthical07/authflow/internal/verify"
	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/kv"
	"github.com/MrEthical07/authflow/kv/boltstore"
	"github.com/MrEthical07/authflow/kv/redisstore"
	"github.com/MrEthical07/authflow/password"
	"github.com/MrEthical07/authflow/provider"
	"github.com/MrEthical07/authflow/session"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an Engine. A Builder can be used once.
type Builder struct {
	config      Config
	store       kv.Store
	directory   directory.Directory
	provisioner directory.Provisioner
	adapters    []provider.Adapter
	sender      CodeSender
	logger      *log.Logger
	auditSink   AuditSink
	observers   []Observer
	clock       func() time.Time

	built bool
}

// New returns a Builder holding DefaultConfig.
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithStore supplies the kv backend and overrides Config.Store.Backend. The
// Engine does not close a store passed in here.
func (b *Builder) WithStore(s kv.Store) *Builder {
	b.store = s
	return b
}

// WithDirectory is required.
func (b *Builder) WithDirectory(d directory.Directory) *Builder {
	b.directory = d
	return b
}

// WithProvisioner enables account creation on first provider login.
func (b *Builder) WithProvisioner(p directory.Provisioner) *Builder {
	b.provisioner = p
	return b
}

func (b *Builder) WithProviders(adapters ...provider.Adapter) *Builder {
	b.adapters = append(b.adapters, adapters...)
	return b
}

// WithSender sets how codes are delivered. Without one, codes are written to
// the logger (masked unless Codes.RevealInLogs).
func (b *Builder) WithSender(s CodeSender) *Builder {
	b.sender = s
	return b
}

func (b *Builder) WithLogger(l *log.Logger) *Builder {
	b.logger = l
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithObserver adds an observer of login transitions next to the built-in
// audit and metrics observer.
func (b *Builder) WithObserver(o Observer) *Builder {
	b.observers = append(b.observers, o)
	return b
}

// WithClock replaces time.Now everywhere. Tests use it to step through
// windows and expiries.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	cfg := cloneConfig(b.config)
	if b.store != nil && cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if b.directory == nil {
		return nil, fmt.Errorf("%w: a directory is required", ErrInvalidConfig)
	}

	clock := b.clock
	if clock == nil {
		clock = time.Now
	}
	logger := b.logger
	if logger == nil {
		logger = log.New(log.Stdout, false)
	}

	e := &Engine{
		config:  cfg,
		log:     logger,
		now:     clock,
		metrics: NewMetrics(cfg.Metrics),
	}

	backend, owned, err := b.openStore(cfg, clock)
	if err != nil {
		return nil, err
	}
	e.ownedStore = owned
	if bs, ok := owned.(*boltstore.Store); ok {
		ctx, cancel := context.WithCancel(context.Background())
		e.stopSweep = cancel
		bs.StartSweeper(ctx, time.Minute, func(err error) {
			logger.Errorf("authflow: bolt sweep: %v", err)
		})
	}
	e.store = kv.Bounded(backend, cfg.Store.OpTimeout).Observe(func(_ string, _ time.Duration, err error) {
		if errors.Is(err, kv.ErrUnavailable) {
			e.metrics.Inc(MetricStoreUnavailable)
		}
	})

	// -------- RATE LIMITS --------
	limits := DefaultRateLimits()
	for action, spec := range cfg.RateLimits {
		limits[action] = spec
	}
	e.limiter, err = rate.New(e.store, limits, clock)
	if err != nil {
		return nil, e.fail(err)
	}

	// -------- VERIFIERS --------
	hasher, err := password.NewHasher(password.Argon2Params{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	}, cfg.Password.MinLength, cfg.Password.MaxLength)
	if err != nil {
		return nil, e.fail(err)
	}
	totp, err := verify.NewTOTP(verify.TOTPConfig{
		Issuer:    cfg.TOTP.Issuer,
		Period:    cfg.TOTP.Period,
		Digits:    cfg.TOTP.Digits,
		Algorithm: cfg.TOTP.Algorithm,
		Skew:      cfg.TOTP.Skew,
		MaxDrift:  cfg.TOTP.MaxDrift,
	})
	if err != nil {
		return nil, e.fail(err)
	}
	recovery, err := verify.NewRecovery(verify.RecoveryConfig{Count: cfg.Recovery.Count, Digits: cfg.Recovery.Digits})
	if err != nil {
		return nil, e.fail(err)
	}
	var ldapVerifier *password.LDAPVerifier
	if cfg.LDAP.Enabled {
		mode, _ := ldapMode(cfg.LDAP.Mode)
		ldapVerifier = &password.LDAPVerifier{
			Host:         cfg.LDAP.Host,
			Port:         cfg.LDAP.Port,
			Mode:         mode,
			BindDNFormat: cfg.LDAP.BindDNFormat,
		}
	}

	// -------- AUTHENTICATORS --------
	e.factors, err = authenticators.New(authenticators.Config{
		Directory: b.directory,
		Hasher:    hasher,
		TOTP:      totp,
		Recovery:  recovery,
		LDAP:      ldapVerifier,
		Claims:    e.store,
	})
	if err != nil {
		return nil, e.fail(err)
	}
	e.directory = b.directory

	providers, err := provider.NewRegistry(b.adapters...)
	if err != nil {
		return nil, e.fail(err)
	}

	// -------- TOKENS --------
	switch cfg.TokenStrategy {
	case StrategySession:
		e.sessions = session.New(e.store, session.Config{
			TTL:              cfg.Session.TTL,
			AbsoluteLifetime: cfg.Session.AbsoluteLifetime,
			Sliding:          cfg.Session.Sliding,
			JitterRange:      cfg.Session.JitterRange,
			TombstoneTTL:     cfg.Session.TombstoneTTL,
		}, clock)
	case StrategyJWT:
		m, err := jwt.NewManager(jwt.Config{
			AccessTTL:     cfg.JWT.AccessTTL,
			RefreshTTL:    cfg.JWT.RefreshTTL,
			SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
			PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
			PublicKey:     cloneBytes(cfg.JWT.PublicKey),
			Issuer:        cfg.JWT.Issuer,
			Audience:      cfg.JWT.Audience,
			Leeway:        cfg.JWT.Leeway,
			KeyID:         cfg.JWT.KeyID,
			VerifyKeys:    cfg.JWT.VerifyKeys,
		}, clock)
		if err != nil {
			return nil, e.fail(err)
		}
		e.tokens, err = jwt.NewStrategy(m, e.store, jwt.StrategyConfig{
			Stateful: cfg.JWT.Stateful,
			Rotation: cfg.JWT.Rotation,
		})
		if err != nil {
			return nil, e.fail(err)
		}
	}
	// Key bytes now live only in the manager's enclaves.
	e.config.JWT.PrivateKey, e.config.JWT.PublicKey, e.config.JWT.VerifyKeys = nil, nil, nil

	// -------- LOGIN MACHINE --------
	e.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)

	sender := b.sender
	if sender == nil {
		sender = &flows.LogSender{Log: logger, Reveal: cfg.Codes.RevealInLogs}
	}
	observers := flows.Observers{&flowObserver{audit: e.audit, metrics: e.metrics}}
	for _, o := range b.observers {
		observers = append(observers, o)
	}

	stages := make([]flows.Stage, len(cfg.Flow.Stages))
	for i, s := range cfg.Flow.Stages {
		stages[i] = flows.Stage(s)
	}
	e.machine, err = flows.NewMachine(flows.Config{
		Stages:               stages,
		Timeout:              cfg.Flow.Timeout,
		AbandonedTTL:         cfg.Flow.AbandonedTTL,
		MaxAttempts:          cfg.Flow.MaxAttempts,
		MaxResends:           cfg.Codes.MaxResends,
		EmailVerification:    cfg.Flow.EmailVerification,
		RequireVerifiedEmail: cfg.Flow.RequireVerifiedEmail,
		PhoneVerification:    cfg.Flow.PhoneVerification,
		AlwaysMFAForUnknown:  cfg.Flow.AlwaysMFAForUnknown,
		LinkProviderByEmail:  cfg.Flow.LinkProviderByEmail,
	}, flows.Deps{
		Sessions:    stores.NewLoginSessionStore(e.store, "flow", cfg.Flow.AbandonedTTL, clock),
		Directory:   b.directory,
		Provisioner: b.provisioner,
		Factors:     e.factors,
		Providers:   providers,
		Codes: verify.NewCodes(verify.CodeConfig{
			Length:      cfg.Codes.Length,
			TTL:         cfg.Codes.TTL,
			MaxAttempts: cfg.Codes.MaxAttempts,
		}),
		Sender:    sender,
		Finalizer: e,
		Observer:  observers,
		Log:       logger,
		Now:       clock,
	})
	if err != nil {
		return nil, e.fail(err)
	}

	for _, w := range cfg.Lint() {
		logger.Warnf("authflow config: %v: %v", w.Code, w.Message)
	}

	b.built = true
	return e, nil
}

// openStore returns the backend and, when the engine opened it itself, the
// closer to release it with.
func (b *Builder) openStore(cfg Config, clock func() time.Time) (kv.Store, kv.Closer, error) {
	if b.store != nil {
		return b.store, nil, nil
	}
	switch cfg.Store.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		s := redisstore.New(client, cfg.Store.Prefix)
		return s, s, nil
	case "bolt":
		s, err := boltstore.Open(cfg.Store.BoltPath, nil)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return kv.NewMemory(clock), nil, nil
	}
}

// fail releases what Build opened so far.
func (e *Engine) fail(err error) error {
	e.Close()
	return err
}

func ldapMode(s string) (password.LDAPMode, error) {
	switch strings.ToLower(s) {
	case "", "plain":
		return password.LDAPPlainText, nil
	case "ssl":
		return password.LDAPSSL, nil
	case "starttls", "tls":
		return password.LDAPTLS, nil
	}
	return 0, fmt.Errorf("unsupported LDAP mode %q", s)
}
