// client-demo is a thin CLI exercising pkg/busclient: it connects to the
// bus, prints how many instruments the first snapshot holds, fetches one
// historical series and prints its point count, then exits.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"cryptopulse/pkg/busclient"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:1883", "bus broker address")
	symbol := flag.String("symbol", "BTC", "symbol to fetch historical data for")
	timeframe := flag.String("timeframe", "24h", "timeframe to fetch")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Printf("failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	client := busclient.New(*addr, "cryptopulse-demo", logger)
	client.SetNotifier(busclient.NotifierFunc(func() {
		logger.Info("client state updated")
	}))
	client.Connect()

	deadline := time.Now().Add(10 * time.Second)
	for !client.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if !client.IsConnected() {
		fmt.Println("could not connect to bus within 10s")
		os.Exit(1)
	}

	snapshot, ok := client.GetLatest()
	if !ok {
		fmt.Println("no snapshot arrived within the cold-start window")
	} else {
		fmt.Printf("snapshot has %d instruments\n", len(snapshot))
	}

	series := client.GetHistory(*symbol, *timeframe)
	if series.Success {
		fmt.Printf("%s %s: %d points\n", *symbol, *timeframe, len(series.Data))
	} else {
		fmt.Printf("%s %s: failed (%s)\n", *symbol, *timeframe, *series.Error)
	}

	client.Disconnect()
}
