package relay

import (
	"sync"
	"testing"

	"github.com/opencourier/relay/pkg/crypto"
)

// Key generation is expensive; every test in this package shares three
// cached key stores (server, alice, bob).
var (
	testKeysOnce sync.Once
	testKeysErr  error
	serverKeys   *crypto.LocalKeyStore
	aliceKeys    *crypto.LocalKeyStore
	bobKeys      *crypto.LocalKeyStore
)

func loadTestKeys(t *testing.T) {
	t.Helper()
	testKeysOnce.Do(func() {
		stores := make([]*crypto.LocalKeyStore, 3)
		errs := make([]error, 3)

		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				priv, err := crypto.GenerateKeyPair()
				if err != nil {
					errs[i] = err
					return
				}
				stores[i], errs[i] = crypto.NewLocalKeyStore(priv)
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			if err != nil {
				testKeysErr = err
				return
			}
		}
		serverKeys, aliceKeys, bobKeys = stores[0], stores[1], stores[2]
	})

	if testKeysErr != nil {
		t.Fatalf("test key generation failed: %v", testKeysErr)
	}
}
