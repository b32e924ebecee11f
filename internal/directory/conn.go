package directory

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/dirgate/dirgate/internal/common/resilience"
)

// Session is the slice of directory operations this package consumes. It is
// satisfied by *ldap.Conn.
type Session interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	SearchWithPaging(req *ldap.SearchRequest, pagingSize uint32) (*ldap.SearchResult, error)
}

// SessionOpener opens a bound session, runs fn against it, and releases the
// underlying connection afterwards. Sessions never outlive fn.
type SessionOpener interface {
	WithSession(bindDN, password string, fn func(Session) error) error
}

// ConnManager dials and binds directory connections for one configuration.
// Connections are scoped: opened for a unit of work and unconditionally
// released when it finishes, so no session state leaks between operations.
type ConnManager struct {
	cfg     *Config
	timeout time.Duration
	breaker *resilience.CircuitBreaker
	logger  *zap.Logger
}

// NewConnManager builds a manager for cfg. The timeout applies to dialing
// and to every request on the wire.
func NewConnManager(cfg *Config, timeout time.Duration, logger *zap.Logger) *ConnManager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ConnManager{
		cfg:     cfg,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "directory-conn")),
	}
}

// WithBreaker routes this manager's dials through cb. Managers are cheap and
// rebuilt per operation, so callers share one breaker across them to
// accumulate failure state.
func (m *ConnManager) WithBreaker(cb *resilience.CircuitBreaker) *ConnManager {
	m.breaker = cb
	return m
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (m *ConnManager) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         m.cfg.Host,
		InsecureSkipVerify: m.cfg.SkipTLSVerify,
	}
}

// dial establishes the transport, routed through the breaker when one is
// attached. Binds never pass through the breaker: a credential rejection is
// not an availability signal.
func (m *ConnManager) dial() (*ldap.Conn, error) {
	if m.breaker == nil {
		return m.dialDirect()
	}

	var conn *ldap.Conn
	err := m.breaker.Execute(func() error {
		c, err := m.dialDirect()
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// dialDirect establishes the transport: LDAPS when use_tls is set, otherwise
// plain TCP with an optional StartTLS upgrade. No bind happens here.
func (m *ConnManager) dialDirect() (*ldap.Conn, error) {
	addr := m.cfg.Address()

	var conn *ldap.Conn
	var err error
	if m.cfg.UseTLS {
		conn, err = ldap.DialURL("ldaps://"+addr, ldap.DialWithTLSConfig(m.tlsConfig()))
	} else {
		conn, err = ldap.DialURL("ldap://" + addr)
	}
	if err != nil {
		return nil, fmt.Errorf("directory dial %s failed: %w", addr, err)
	}
	conn.SetTimeout(m.timeout)

	if !m.cfg.UseTLS && m.cfg.StartTLS {
		if err := conn.StartTLS(m.tlsConfig()); err != nil {
			conn.Close()
			return nil, fmt.Errorf("StartTLS negotiation with %s failed: %w", addr, err)
		}
	}
	return conn, nil
}

// open dials and binds. An empty bindDN falls back to the configured service
// account; if that is also empty the session is bound anonymously.
func (m *ConnManager) open(bindDN, password string) (*ldap.Conn, error) {
	conn, err := m.dial()
	if err != nil {
		return nil, err
	}

	if bindDN == "" {
		bindDN, password = m.cfg.BindDN, m.cfg.BindPassword
	}
	if bindDN == "" {
		err = conn.UnauthenticatedBind("")
	} else {
		err = conn.Bind(bindDN, password)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// WithSession opens a bound session and guarantees release on every exit
// path, including a panic inside fn. Closing twice is harmless, so callers
// need no release discipline of their own.
func (m *ConnManager) WithSession(bindDN, password string, fn func(Session) error) error {
	conn, err := m.open(bindDN, password)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}

// TestConnection verifies the full service path: dial, service-account bind,
// and a base-scope read of the search base.
func (m *ConnManager) TestConnection() error {
	start := time.Now()
	err := m.WithSession("", "", func(s Session) error {
		req := ldap.NewSearchRequest(
			m.cfg.BaseDN,
			ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, 0, false,
			"(objectClass=*)",
			[]string{"dn"},
			nil,
		)
		if _, err := s.Search(req); err != nil {
			return fmt.Errorf("base DN %q not readable: %w", m.cfg.BaseDN, err)
		}
		return nil
	})
	if err != nil {
		m.logger.Warn("Directory connection test failed",
			zap.String("address", m.cfg.Address()),
			zap.Error(err))
		return err
	}
	m.logger.Info("Directory connection test succeeded",
		zap.String("address", m.cfg.Address()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}
