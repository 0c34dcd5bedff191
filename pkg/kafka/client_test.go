package kafka

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKafka_ParseAuthType(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]AuthType{
		"":        AuthTypeNone,
		"none":    AuthTypeNone,
		"SCRAM":   AuthTypeSCRAM,
		"aws-msk": AuthTypeAWSMSK,
		"iam":     AuthTypeAWSMSK,
	} {
		got, err := ParseAuthType(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := ParseAuthType("kerberos")
	require.ErrorContains(t, err, "unknown kafka auth type")
}

func TestKafka_ConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.ErrorContains(t, cfg.Validate(), "brokers are required")

	cfg = Config{Brokers: []string{"localhost:9092"}, AuthType: AuthTypeSCRAM}
	require.ErrorContains(t, cfg.Validate(), "user is required")

	cfg.User = "lake"
	require.NoError(t, cfg.Validate())
}

func TestKafka_Opts(t *testing.T) {
	t.Parallel()

	plain := Config{Brokers: []string{"a:9092"}, TLSDisabled: true}
	require.Len(t, plain.Opts(), 1)

	secured := Config{Brokers: []string{"a:9092"}, AuthType: AuthTypeSCRAM, User: "u", Pass: "p"}
	require.Len(t, secured.Opts(), 3)
}
