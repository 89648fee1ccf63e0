package main

import (
	"context"
	"flag"
	"os"
	"strconv"
	"sync"
	"time"

	log "github.com/iidesho/bragi/sbragi"
	"github.com/joho/godotenv"

	"github.com/iidesho/flyt"
	"github.com/iidesho/flyt/chunk"
	"github.com/iidesho/flyt/metrics"
)

var (
	size      int
	eventSize int
	dir       string
	chunkMB   int64
)

func init() {
	const (
		defaultNumberOfEvents = 1000000
		numberOfEventsUsage   = "number of events to record and consume"
		defaultEventSize      = 1000
		eventSizeUsage        = "event payload size in Bytes"
		defaultDir            = "benchdata"
		dirUsage              = "chunk directory"
		defaultChunkMB        = 8
		chunkMBUsage          = "chunk size in MB before rotation"
	)
	flag.IntVar(&size, "num", defaultNumberOfEvents, numberOfEventsUsage)
	flag.IntVar(&size, "n", defaultNumberOfEvents, numberOfEventsUsage+" (shorthand)")
	flag.IntVar(&eventSize, "size", defaultEventSize, eventSizeUsage)
	flag.IntVar(&eventSize, "s", defaultEventSize, eventSizeUsage+" (shorthand)")
	flag.StringVar(&dir, "dir", defaultDir, dirUsage)
	flag.Int64Var(&chunkMB, "chunk", defaultChunkMB, chunkMBUsage)

	err := godotenv.Load("local_override.properties")
	if err != nil {
		log.WithoutEscalation().WithError(err).
			Debug("Error loading local_override.properties file", "file", "local_override.properties")
		err = godotenv.Load(".env")
		if err != nil {
			log.WithoutEscalation().
				WithError(err).
				Debug("Error loading .env file", "file", ".env")
		}
	}
	if v := os.Getenv("flyt.benchmark.num"); v != "" {
		n, err := strconv.Atoi(v)
		if !log.WithError(err).Error("parsing flyt.benchmark.num", "value", v) {
			size = n
		}
	}
	if v := os.Getenv("flyt.benchmark.dir"); v != "" {
		dir = v
	}
}

func main() {
	flag.Parse()
	rs, err := flyt.New(dir, flyt.WithMaxChunkBytes(chunkMB<<20))
	if err != nil {
		log.WithError(err).Fatal("while opening recording stream", "dir", dir)
		return
	}
	rs.Enable("bench")
	var wg sync.WaitGroup
	wg.Add(1)
	consumed := 0
	rs.OnEvent("bench", func(rec chunk.Record) {
		consumed++
		if consumed == size {
			rs.Close()
		}
	})
	rs.OnClose(func() {
		wg.Done()
	})
	err = rs.StartAsync()
	if err != nil {
		log.WithError(err).Fatal("while starting recording stream")
		return
	}

	defer func(start time.Time) {
		fin := time.Now()
		dur := fin.Sub(start)
		eps := float64(size) / (float64(dur) / float64(time.Second))
		mbps := eps * float64(eventSize) / 1000000
		log.Info(
			"Finished recording and consuming events",
			"number of events",
			size,
			"start time",
			start,
			"end time",
			fin,
			"duration",
			dur,
			"event size (B)",
			eventSize,
			"events / second",
			eps,
			"MB/s",
			mbps,
		)
		if url := os.Getenv("flyt.metrics.push"); url != "" {
			metrics.Push(url)
		}
	}(time.Now())

	payload := make([]byte, eventSize)
	for i := 0; i < size; i++ {
		err = rs.Write("bench", payload)
		if err != nil {
			log.WithError(err).Fatal("while writing event", "i", i)
			return
		}
	}
	err = rs.Rotate()
	log.WithoutEscalation().WithError(err).Debug("while rotating after final event")
	wg.Wait()
	err = rs.AwaitTermination(context.Background(), 0)
	log.WithError(err).Error("while awaiting termination")
}
