package provider

import (
	"context"
	"fmt"
	"os"

	"github.com/relaypool/relaypool/internal/models"
)

// EnvCredentialSource resolves an account's credential handle as the name
// of an environment variable holding the API key. The default source for
// deployments without an external secret manager.
type EnvCredentialSource struct{}

// Resolve looks up the environment variable the account references.
func (EnvCredentialSource) Resolve(_ context.Context, account *models.ProviderAccount) (Credentials, error) {
	if account == nil || account.CredentialRef == "" {
		return Credentials{}, fmt.Errorf("account carries no credential reference")
	}
	key := os.Getenv(account.CredentialRef)
	if key == "" {
		return Credentials{}, fmt.Errorf("credential %s is not set", account.CredentialRef)
	}
	return Credentials{APIKey: key, BaseURL: account.BaseURL}, nil
}

// Ensure EnvCredentialSource implements CredentialSource.
var _ CredentialSource = EnvCredentialSource{}
