package config

import "time"

// Default returns the default relay configuration.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Relay: RelayConfig{
			Endpoint:      "0.0.0.0:8899",
			PeerContract:  "cochainioicp",
			LocalContract: "cochainioicp",
			Signer:        "cochainrelay@active",
			MaxSendBlocks: 100,
		},
		Net: NetConfig{
			AllowedConnection: []string{"any"},
			AgentName:         "icprelay",
			MaxClients:        25,
			MaxNodesPerHost:   1,
			CleanupPeriod:     30 * time.Second,
			MaxCleanupTimeMs:  10,
			RetryWait:         30 * time.Second,
			HandshakeTimeout:  10 * time.Second,
			// Blocks larger than this are announced instead of pushed.
			MaxImplicitRequest: 1500,
		},
		Sync: SyncConfig{
			FetchSpan:       100,
			ResponseTimeout: 5 * time.Second,
		},
		Chain: ChainConfig{
			RPC:          "http://127.0.0.1:8888",
			PollInterval: 500 * time.Millisecond,
		},
		Wallet: WalletConfig{
			URL: "http://127.0.0.1:8900",
		},
		Tx: TxConfig{
			Expiration:   30 * time.Second,
			Compression:  "none",
			Workers:      2,
			AbiCacheSize: 128,
		},
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       8890,
			AllowedIPs: []string{"127.0.0.1"},
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}
