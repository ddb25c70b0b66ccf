package main

import (
	"encoding/csv"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/shard-txn-router/client"
	flag "github.com/spf13/pflag"
)

var (
	routerAddr string
	duration   time.Duration
	output     string
	db         string
)

func init() {
	flag.StringVarP(&routerAddr, "endpoint", "e", "localhost:11000", "Router HTTP address")
	flag.DurationVarP(&duration, "duration", "t", 5*time.Second, "Duration of each round")
	flag.StringVarP(&output, "output", "o", "txn-metric.csv", "CSV output file")
	flag.StringVarP(&db, "db", "d", "test", "Database to write to")
}

func checkError(message string, err error) {
	if err != nil {
		log.Fatal(message, err)
	}
}

// txnLatency runs one start/insert/commit transaction.
func txnLatency(c interface{ ExecLine(string) error }, key string) (time.Duration, error) {
	start := time.Now()
	for _, line := range []string{
		"use " + db,
		"start",
		fmt.Sprintf(`insert bench {"_id": "%s"}`, key),
		"commit",
	} {
		if err := c.ExecLine(line); err != nil {
			// abort is idempotent, leave the session clean
			c.ExecLine("abort")
			return 0, err
		}
	}
	return time.Since(start), nil
}

// TestTxnLatency writes one CSV row of transaction latencies in
// microseconds per concurrency level.
func TestTxnLatency() {
	file, err := os.Create(output)
	checkError("Cannot create file", err)
	defer file.Close()
	writer := csv.NewWriter(file)
	defer writer.Flush()

	for _, numClient := range []int{1, 2, 5, 10, 20, 50} {
		title := fmt.Sprintf("client%d", numClient)
		log.Println(title)
		latencyRow := []string{title}
		latencies := make([][]int, numClient)
		failures := make([]int, numClient)

		var wg sync.WaitGroup
		for i := 0; i < numClient; i++ {
			wg.Add(1)
			go func(k int) {
				defer wg.Done()
				c := client.NewShardTxnClient(routerAddr)
				c.SetOutput(ioutil.Discard)
				expStart := time.Now()
				for n := 0; time.Since(expStart) < duration; n++ {
					d, err := txnLatency(c, fmt.Sprintf("%s-%d-%d", title, k, n))
					if err != nil {
						failures[k]++
						continue
					}
					latencies[k] = append(latencies[k], int(d/time.Microsecond))
				}
			}(i)
		}
		wg.Wait()

		total := 0
		for k, lat := range latencies {
			for _, l := range lat {
				latencyRow = append(latencyRow, strconv.Itoa(l))
			}
			total += failures[k]
		}
		log.Printf("%s: %d failed transactions", title, total)
		checkError("Cannot write to file", writer.Write(latencyRow))
	}
}

func main() {
	flag.Parse()
	TestTxnLatency()
}
