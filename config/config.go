// Package config resolves client settings from the environment, an optional
// key-value file and built-in defaults, in that order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/arner/fabric-client/ferrors"
	"github.com/spf13/viper"
)

const envPrefix = "HFC"

// Recognized keys.
const (
	KeyProposalWaitTime         = "proposal.wait.time"
	KeyChannelConfigWaitTime    = "channelconfig.wait_time"
	KeyTxCleanupTimeout         = "transaction_cleanup_timeout"
	KeyOrdererRetryWaitTime     = "orderer.retry_wait_time"
	KeyOrdererWaitTime          = "orderer.waitTimeMilliSecs"
	KeyEventRegistrationWait    = "peer.eventRegistration.wait_time"
	KeyPeerRetryWaitTime        = "peer.retry_wait_time"
	KeyReconnectionWarningRate  = "eventhub.reconnection_warning_rate"
	KeyGenesisBlockWaitTime     = "channel.genesisblock_wait_time"
	KeySecurityLevel            = "security_level"
	KeySecurityCurveMapping     = "security_curve_mapping"
	KeyHashAlgorithm            = "hash_algorithm"
	KeySignatureAlgorithm       = "signature_algorithm"
	KeyConsistencyValidation    = "proposal.consistency_validation"
	KeyServiceDiscoveryFreqSecs = "service_discovery.frequency_sec"
)

// Config is the resolved option set. All durations are absolute.
type Config struct {
	ProposalWaitTime          time.Duration
	ChannelConfigWaitTime     time.Duration
	TransactionCleanupTimeout time.Duration
	OrdererRetryWaitTime      time.Duration
	OrdererWaitTime           time.Duration
	EventRegistrationWaitTime time.Duration
	PeerRetryWaitTime         time.Duration
	ReconnectionWarningRate   int
	GenesisBlockWaitTime      time.Duration
	SecurityLevel             int
	SecurityCurveMapping      map[int]string
	HashAlgorithm             string
	SignatureAlgorithm        string
	ConsistencyValidation     bool
	ServiceDiscoveryFrequency time.Duration
}

// New loads the configuration. file may be empty, in which case only the
// environment and defaults apply.
func New(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, ferrors.Wrapf(ferrors.Argument, err, "read config file %s", file)
		}
	}

	curves, err := parseCurveMapping(v.GetString(KeySecurityCurveMapping))
	if err != nil {
		return nil, err
	}

	return &Config{
		ProposalWaitTime:          ms(v, KeyProposalWaitTime),
		ChannelConfigWaitTime:     ms(v, KeyChannelConfigWaitTime),
		TransactionCleanupTimeout: ms(v, KeyTxCleanupTimeout),
		OrdererRetryWaitTime:      ms(v, KeyOrdererRetryWaitTime),
		OrdererWaitTime:           ms(v, KeyOrdererWaitTime),
		EventRegistrationWaitTime: ms(v, KeyEventRegistrationWait),
		PeerRetryWaitTime:         ms(v, KeyPeerRetryWaitTime),
		ReconnectionWarningRate:   v.GetInt(KeyReconnectionWarningRate),
		GenesisBlockWaitTime:      ms(v, KeyGenesisBlockWaitTime),
		SecurityLevel:             v.GetInt(KeySecurityLevel),
		SecurityCurveMapping:      curves,
		HashAlgorithm:             v.GetString(KeyHashAlgorithm),
		SignatureAlgorithm:        v.GetString(KeySignatureAlgorithm),
		ConsistencyValidation:     v.GetBool(KeyConsistencyValidation),
		ServiceDiscoveryFrequency: time.Duration(v.GetInt(KeyServiceDiscoveryFreqSecs)) * time.Second,
	}, nil
}

// Default returns the built-in configuration (no file, environment applies).
func Default() *Config {
	c, err := New("")
	if err != nil {
		// defaults always parse
		panic(err)
	}
	return c
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyProposalWaitTime, 30000)
	v.SetDefault(KeyChannelConfigWaitTime, 15000)
	v.SetDefault(KeyTxCleanupTimeout, 600000)
	v.SetDefault(KeyOrdererRetryWaitTime, 200)
	v.SetDefault(KeyOrdererWaitTime, 10000)
	v.SetDefault(KeyEventRegistrationWait, 5000)
	v.SetDefault(KeyPeerRetryWaitTime, 500)
	v.SetDefault(KeyReconnectionWarningRate, 50)
	v.SetDefault(KeyGenesisBlockWaitTime, 5000)
	v.SetDefault(KeySecurityLevel, 256)
	v.SetDefault(KeySecurityCurveMapping, "256=P-256:384=P-384")
	v.SetDefault(KeyHashAlgorithm, "SHA2")
	v.SetDefault(KeySignatureAlgorithm, "SHA256withECDSA")
	v.SetDefault(KeyConsistencyValidation, true)
	v.SetDefault(KeyServiceDiscoveryFreqSecs, 120)
}

func ms(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Millisecond
}

// parseCurveMapping parses "256=P-256:384=P-384" into {256:"P-256", 384:"P-384"}.
func parseCurveMapping(s string) (map[int]string, error) {
	out := map[int]string{}
	for _, pair := range strings.Split(s, ":") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, ferrors.Errorf(ferrors.Argument, "invalid curve mapping entry %q", pair)
		}
		var level int
		for _, r := range k {
			if r < '0' || r > '9' {
				return nil, ferrors.Errorf(ferrors.Argument, "invalid security level %q in curve mapping", k)
			}
			level = level*10 + int(r-'0')
		}
		out[level] = v
	}
	return out, nil
}
