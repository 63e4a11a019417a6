package main

import (
	"encoding/json"
	"fmt"
	"time"

	_ "net/http/pprof"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	logging "github.com/textileio/go-log/v2"
	"github.com/textileio/market-core/cmd/marketd/service"
	"github.com/textileio/market-core/cmd/util"
	"github.com/textileio/market-core/common"
)

var (
	daemonName = "marketd"
	log        = logging.Logger(daemonName)
	v          = viper.New()
)

func init() {
	flags := []util.Flag{
		{Name: "http.listen.addr", DefValue: ":8889", Description: "HTTP API listen address"},
		{Name: "datastore.dir", DefValue: "marketd-datastore", Description: "Datastore directory"},
		{Name: "ledger.rpc.addr", DefValue: "https://s1.ripple.com:51234", Description: "XRPL JSON-RPC endpoint"},
		{Name: "merchant.addr", DefValue: "", Description: "Ledger address receiving all payments"},
		{Name: "gen.addr", DefValue: "https://api.anthropic.com/v1/messages", Description: "Content generation endpoint"},
		{Name: "gen.api.key", DefValue: "", Description: "Content generation API key"},
		{Name: "gen.model", DefValue: "claude-haiku-4-5-20251001", Description: "Content generation model"},
		{Name: "auction.claim.fee", DefValue: int64(1), Description: "Auction claim fee in drops"},
		{Name: "auction.antisnipe.window", DefValue: time.Second * 60, Description: "Anti-snipe extension window"},
		{Name: "deaddrop.store.fee", DefValue: int64(5), Description: "Dead-drop store fee in drops"},
		{Name: "deaddrop.retrieve.fee", DefValue: int64(3), Description: "Dead-drop retrieval fee in drops"},
		{Name: "deaddrop.expiry", DefValue: time.Hour * 24 * 7, Description: "Dead-drop message expiry"},
		{Name: "keydir.scan.limit", DefValue: int64(10), Description: "Signed transactions scanned for public keys"},
		{Name: "metrics.addr", DefValue: ":9090", Description: "Prometheus endpoint"},
		{Name: "log.debug", DefValue: false, Description: "Enable debug level logs"},
	}

	util.ConfigureCLI(v, "MARKET", flags, rootCmd)
}

var rootCmd = &cobra.Command{
	Use:   daemonName,
	Short: "marketd serves paid generation, auctions, and encrypted dead-drops on the XRP Ledger",
	Long:  `marketd serves paid generation, auctions, and encrypted dead-drops on the XRP Ledger`,
	PersistentPreRun: func(c *cobra.Command, args []string) {
		logging.SetAllLoggers(logging.LevelInfo)
		if v.GetBool("log.debug") {
			logging.SetAllLoggers(logging.LevelDebug)
		}
	},
	Run: func(c *cobra.Command, args []string) {
		settings, err := json.MarshalIndent(v.AllSettings(), "", "  ")
		util.CheckErr(err)
		log.Infof("loaded config: %s", string(settings))

		if v.GetString("merchant.addr") == "" {
			log.Fatalf("--merchant.addr is required")
		}

		if err := common.SetupInstrumentation(v.GetString("metrics.addr")); err != nil {
			log.Fatalf("booting instrumentation: %s", err)
		}

		serviceConfig := service.Config{
			HTTPListenAddr:  v.GetString("http.listen.addr"),
			DatastoreDir:    v.GetString("datastore.dir"),
			LedgerRPCAddr:   v.GetString("ledger.rpc.addr"),
			MerchantAddr:    v.GetString("merchant.addr"),
			GenAddr:         v.GetString("gen.addr"),
			GenAPIKey:       v.GetString("gen.api.key"),
			GenModel:        v.GetString("gen.model"),
			ClaimFee:        v.GetInt64("auction.claim.fee"),
			AntiSnipeWindow: v.GetDuration("auction.antisnipe.window"),
			StoreFee:        v.GetInt64("deaddrop.store.fee"),
			RetrieveFee:     v.GetInt64("deaddrop.retrieve.fee"),
			MessageExpiry:   v.GetDuration("deaddrop.expiry"),
			KeyScanLimit:    int(v.GetInt64("keydir.scan.limit")),
		}
		serv, err := service.New(serviceConfig)
		util.CheckErr(err)

		log.Info("Listening to requests...")

		util.WaitForTerminateSignal()

		fmt.Println("Gracefully stopping... (press Ctrl+C again to force)")
		if err := serv.Close(); err != nil {
			log.Errorf("closing service: %s", err)
		}
	},
}

func main() {
	util.CheckErr(rootCmd.Execute())
}
