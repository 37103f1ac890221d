package exchange

import (
	"testing"

	"tradehook/internal/config"
	"tradehook/internal/core"
	apperrors "tradehook/pkg/errors"
	"tradehook/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryBuildsEverySupportedTag(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	creds := &core.Credentials{APIKey: "k", Secret: "s", Passphrase: "p"}

	for _, tag := range core.SupportedExchanges {
		ex, err := New(tag, creds, false, config.ExchangesConfig{}, logger)
		require.NoError(t, err, "tag=%s", tag)
		assert.Equal(t, tag, ex.Name())
	}
}

func TestFactoryRejectsUnknownTag(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	_, err = New("kraken", &core.Credentials{}, false, config.ExchangesConfig{}, logger)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindUnsupportedExchange, apperrors.KindOf(err))
}
