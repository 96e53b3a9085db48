package query

import "github.com/nodeglade/dnscore/internal/tsig"

func testTSIGKey() tsig.Key {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}
	return tsig.Key{Name: "k1.example", Algorithm: tsig.AlgHMACSHA256, Secret: secret}
}
