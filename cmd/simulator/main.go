// Command simulator feeds synthetic lane flows for every lane of a topology
// into a running tinyflow server, over HTTP or NATS.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/nicktill/tinyflow/pkg/client"
	"github.com/nicktill/tinyflow/pkg/config"
	"github.com/nicktill/tinyflow/pkg/topology"
)

func main() {
	topologyPath := pflag.StringP("topology", "t", config.DefaultTopologyFile, "section/lane topology file")
	endpoint := pflag.String("endpoint", "http://localhost:"+config.DefaultPort+"/v1/lanes/flows", "ingest endpoint")
	natsURL := pflag.String("nats", "", "publish over NATS instead of HTTP")
	subject := pflag.String("subject", config.DefaultNATSSubject, "NATS subject")
	interval := pflag.Duration("interval", time.Minute, "time between samples per lane")
	volume := pflag.Float64("volume", 12, "mean vehicles per lane per sample off-peak")
	seed := pflag.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
	pflag.Parse()

	topo, err := topology.LoadFile(*topologyPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load topology")
	}

	var transport client.Transport
	if *natsURL != "" {
		nt, err := client.NewNATS(*natsURL, *subject)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to create NATS transport")
		}
		defer nt.Close()
		transport = nt
		logrus.WithFields(logrus.Fields{"url": *natsURL, "subject": *subject}).Info("Publishing over NATS")
	} else {
		ht, err := client.NewHTTP(*endpoint, os.Getenv("TINYFLOW_API_KEY"))
		if err != nil {
			logrus.WithError(err).Fatal("Failed to create HTTP transport")
		}
		transport = ht
		logrus.WithField("endpoint", *endpoint).Info("Posting over HTTP")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	batcher := client.New(transport, client.Config{
		MaxBatchSize: config.MaxFlowsPerRequest,
		FlushEvery:   5 * time.Second,
	})
	if err := batcher.Start(ctx); err != nil {
		logrus.WithError(err).Fatal("Failed to start batcher")
	}

	gen := newGenerator(topo, *seed, *volume)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	logrus.WithFields(logrus.Fields{
		"lanes":    len(topo.Lanes()),
		"interval": interval.String(),
	}).Info("🚦 Traffic simulator started")

	for {
		select {
		case <-ctx.Done():
			if err := batcher.Stop(); err != nil {
				logrus.WithError(err).Warn("Final flush failed")
			}
			sent, failed := batcher.Stats()
			logrus.WithFields(logrus.Fields{"sent": sent, "failed": failed}).Info("🛑 Traffic simulator stopped")
			return
		case now := <-ticker.C:
			for _, lf := range gen.Sample(now) {
				batcher.Add(lf)
			}
		}
	}
}
