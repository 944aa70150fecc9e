package opencart

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
)

// buildTLSConfig returns nil when no CA is configured
func buildTLSConfig(cfg Config) (*tls.Config, error) {
	if cfg.SSLCA == "" {
		return nil, nil
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(cfg.SSLCA)) {
		return nil, errors.New("CA certificate is not valid PEM")
	}

	tlsConfig := &tls.Config{
		RootCAs:    pool,
		ServerName: cfg.Host,
		MinVersion: tls.VersionTLS12,
	}

	if cfg.SSLCert != "" && cfg.SSLKey != "" {
		cert, err := tls.X509KeyPair([]byte(cfg.SSLCert), []byte(cfg.SSLKey))
		if err != nil {
			return nil, fmt.Errorf("client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// buildDSN formats the driver DSN, registering tlsKey with the driver when TLS is configured
func buildDSN(cfg Config, tlsKey string) (string, bool, error) {
	port := cfg.Port
	if port == 0 {
		port = 3306
	}

	mc := mysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.Timeout = durationOr(cfg.ConnectTimeout, 10*time.Second)
	mc.ReadTimeout = durationOr(cfg.QueryTimeout, 30*time.Second)
	mc.WriteTimeout = durationOr(cfg.QueryTimeout, 30*time.Second)
	mc.Params = map[string]string{"charset": "utf8mb4"}

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return "", false, err
	}
	if tlsConfig != nil {
		if err := mysql.RegisterTLSConfig(tlsKey, tlsConfig); err != nil {
			return "", false, fmt.Errorf("register tls config: %w", err)
		}
		mc.TLSConfig = tlsKey
	}

	return mc.FormatDSN(), tlsConfig != nil, nil
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
