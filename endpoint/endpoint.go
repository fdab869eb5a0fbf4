// Package endpoint turns grpc(s) URLs and PEM material into the transport
// credentials and dial options the comm layer uses.
package endpoint

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arner/fabric-client/cryptosuite"
	"github.com/arner/fabric-client/ferrors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

const (
	ProtocolGRPC  = "grpc"
	ProtocolGRPCS = "grpcs"
)

var urlPattern = regexp.MustCompile(`(?i)^(grpc|grpcs)://([^:/]+):(\d+)$`)

// cnCache caches the CN extracted from a root-CA PEM, keyed by the PEM text.
var cnCache sync.Map // string -> string

// Properties are the caller-supplied endpoint options. Keys of the form
// "grpc.<option>" that dialOptions supports become typed transport options;
// any other grpc.* key is an argument error and is not passed through.
type Properties struct {
	// PEM bytes of the TLS root CA(s). Required for grpcs.
	RootsPEM []byte
	// Client key pair for mutual TLS. Both or neither must be set.
	ClientCertPEM []byte
	ClientKeyPEM  []byte
	// TrustServerCertificate with no HostnameOverride extracts the expected
	// server name from the CN of the first root certificate.
	TrustServerCertificate bool
	HostnameOverride       string
	// Free-form options; supported grpc.* keys map to channel options.
	Options map[string]string
}

// Endpoint is created once per remote and reused across channels. The TLS
// client-cert digest is computed at construction and immutable afterwards.
type Endpoint struct {
	URL      string
	Protocol string
	Host     string
	Port     int

	serverName  string
	creds       credentials.TransportCredentials
	dialOpts    []grpc.DialOption
	tlsCertHash []byte
	mutualTLS   bool
}

// Parse validates a grpc(s)://host:port URL.
func Parse(rawURL string) (protocol, host string, port int, err error) {
	m := urlPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return "", "", 0, ferrors.Errorf(ferrors.Argument, "invalid endpoint URL %q: want grpc(s)://host:port", rawURL)
	}
	port, convErr := strconv.Atoi(m[3])
	if convErr != nil || port < 1 || port > 65535 {
		return "", "", 0, ferrors.Errorf(ferrors.Argument, "invalid port in endpoint URL %q", rawURL)
	}
	return strings.ToLower(m[1]), m[2], port, nil
}

// New builds an endpoint from a URL and properties.
func New(rawURL string, props Properties) (*Endpoint, error) {
	protocol, host, port, err := Parse(rawURL)
	if err != nil {
		return nil, err
	}

	ep := &Endpoint{
		URL:      rawURL,
		Protocol: protocol,
		Host:     host,
		Port:     port,
	}

	if (len(props.ClientCertPEM) == 0) != (len(props.ClientKeyPEM) == 0) {
		return nil, ferrors.New(ferrors.Argument, "mutual TLS requires both client key and client cert")
	}

	switch protocol {
	case ProtocolGRPC:
		ep.creds = insecure.NewCredentials()
	case ProtocolGRPCS:
		if len(props.RootsPEM) == 0 {
			return nil, ferrors.New(ferrors.Argument, "grpcs endpoint requires root CA PEM")
		}
		roots := x509.NewCertPool()
		if ok := roots.AppendCertsFromPEM(props.RootsPEM); !ok {
			return nil, ferrors.New(ferrors.Crypto, "failed to append TLS root certificates")
		}

		ep.serverName = host
		if props.HostnameOverride != "" {
			ep.serverName = props.HostnameOverride
		} else if props.TrustServerCertificate {
			cn, err := commonNameFromPEM(props.RootsPEM)
			if err != nil {
				return nil, err
			}
			ep.serverName = cn
		}

		cfg := &tls.Config{
			RootCAs:    roots,
			ServerName: ep.serverName,
		}
		if len(props.ClientCertPEM) > 0 {
			pair, err := tls.X509KeyPair(props.ClientCertPEM, props.ClientKeyPEM)
			if err != nil {
				return nil, ferrors.Wrap(ferrors.Crypto, err, "load TLS client key pair")
			}
			cfg.Certificates = []tls.Certificate{pair}
			// tls binding: SHA-256 over the DER client cert, referenced by
			// the channel header when mutual TLS is in use.
			digest := sha256.Sum256(pair.Certificate[0])
			ep.tlsCertHash = digest[:]
			ep.mutualTLS = true
		}
		ep.creds = credentials.NewTLS(cfg)
	}

	opts, err := dialOptions(props.Options)
	if err != nil {
		return nil, err
	}
	ep.dialOpts = append([]grpc.DialOption{grpc.WithTransportCredentials(ep.creds)}, opts...)

	return ep, nil
}

// Dial opens the gRPC channel for this endpoint.
func (e *Endpoint) Dial() (*grpc.ClientConn, error) {
	logger.Debugf("dialing %s", e.URL)
	conn, err := grpc.NewClient(e.Address(), e.dialOpts...)
	if err != nil {
		return nil, ferrors.Wrapf(ferrors.Transaction, err, "dial %s", e.URL).WithEndpoint(e.URL)
	}
	return conn, nil
}

// Address returns host:port.
func (e *Endpoint) Address() string {
	return e.Host + ":" + strconv.Itoa(e.Port)
}

// TLSCertHash is the SHA-256 digest of the DER client certificate, or nil
// when mutual TLS is not configured.
func (e *Endpoint) TLSCertHash() []byte { return e.tlsCertHash }

// MutualTLS reports whether a client key pair is configured.
func (e *Endpoint) MutualTLS() bool { return e.mutualTLS }

// ServerName is the expected TLS server name (empty for plaintext).
func (e *Endpoint) ServerName() string { return e.serverName }

func commonNameFromPEM(pemBytes []byte) (string, error) {
	if cn, ok := cnCache.Load(string(pemBytes)); ok {
		return cn.(string), nil
	}
	cert, err := cryptosuite.ParseCertificatePEM(pemBytes)
	if err != nil {
		return "", err
	}
	cn := cert.Subject.CommonName
	cnCache.Store(string(pemBytes), cn)
	return cn, nil
}

// dialOptions maps grpc.<option> property keys onto channel options. Each
// supported channel arg becomes its typed grpc-go DialOption: sizes, windows,
// keepalive and backoff values must parse as integers (a non-integer value is
// an argument error), authority and user agent are taken as strings, and
// keepalive_permit_without_calls and enable_retries read "1"/"0" or
// "true"/"false". grpc-go has no untyped channel-arg API, so a grpc.* key
// with no DialOption equivalent is an argument error rather than a silent
// drop. Keys without the grpc. prefix are ignored.
func dialOptions(props map[string]string) ([]grpc.DialOption, error) {
	var out []grpc.DialOption
	var callOpts []grpc.CallOption
	var ka keepalive.ClientParameters
	useKA := false
	bc := backoff.DefaultConfig
	useBC := false

	intArg := func(k, v string) (int, error) {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, ferrors.Errorf(ferrors.Argument, "option %s must be an integer, got %q", k, v)
		}
		return n, nil
	}

	for k, v := range props {
		if !strings.HasPrefix(k, "grpc.") {
			continue
		}
		switch k {
		case "grpc.max_receive_message_length":
			n, err := intArg(k, v)
			if err != nil {
				return nil, err
			}
			callOpts = append(callOpts, grpc.MaxCallRecvMsgSize(n))
		case "grpc.max_send_message_length":
			n, err := intArg(k, v)
			if err != nil {
				return nil, err
			}
			callOpts = append(callOpts, grpc.MaxCallSendMsgSize(n))
		case "grpc.keepalive_time_ms":
			n, err := intArg(k, v)
			if err != nil {
				return nil, err
			}
			ka.Time = time.Duration(n) * time.Millisecond
			useKA = true
		case "grpc.keepalive_timeout_ms":
			n, err := intArg(k, v)
			if err != nil {
				return nil, err
			}
			ka.Timeout = time.Duration(n) * time.Millisecond
			useKA = true
		case "grpc.keepalive_permit_without_calls":
			ka.PermitWithoutStream = v == "1" || strings.EqualFold(v, "true")
			useKA = true
		case "grpc.initial_window_size":
			n, err := intArg(k, v)
			if err != nil {
				return nil, err
			}
			out = append(out, grpc.WithInitialWindowSize(int32(n)))
		case "grpc.initial_conn_window_size":
			n, err := intArg(k, v)
			if err != nil {
				return nil, err
			}
			out = append(out, grpc.WithInitialConnWindowSize(int32(n)))
		case "grpc.initial_reconnect_backoff_ms":
			n, err := intArg(k, v)
			if err != nil {
				return nil, err
			}
			bc.BaseDelay = time.Duration(n) * time.Millisecond
			useBC = true
		case "grpc.max_reconnect_backoff_ms":
			n, err := intArg(k, v)
			if err != nil {
				return nil, err
			}
			bc.MaxDelay = time.Duration(n) * time.Millisecond
			useBC = true
		case "grpc.default_authority":
			out = append(out, grpc.WithAuthority(v))
		case "grpc.primary_user_agent":
			out = append(out, grpc.WithUserAgent(v))
		case "grpc.enable_retries":
			if v == "0" || strings.EqualFold(v, "false") {
				out = append(out, grpc.WithDisableRetry())
			}
		default:
			return nil, ferrors.Errorf(ferrors.Argument, "unsupported channel option %s", k)
		}
	}
	if useKA {
		out = append(out, grpc.WithKeepaliveParams(ka))
	}
	if useBC {
		out = append(out, grpc.WithConnectParams(grpc.ConnectParams{Backoff: bc}))
	}
	if len(callOpts) > 0 {
		out = append(out, grpc.WithDefaultCallOptions(callOpts...))
	}
	return out, nil
}
