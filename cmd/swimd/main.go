/*
 * Copyright 2018 De-labtory
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command swimd runs a standalone SWIM membership agent, logging
// membership events to stdout as they arrive.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/it-chain/iLogger"
	"github.com/urfave/cli"

	"github.com/barbct5/swim"
)

func main() {
	app := cli.NewApp()
	app.Name = "swimd"
	app.Usage = "run a SWIM cluster membership agent"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "bind-address", Value: "0.0.0.0", Usage: "local bind address"},
		cli.IntFlag{Name: "bind-port", Value: 7946, Usage: "local bind port"},
		cli.DurationFlag{Name: "protocol-period", Value: time.Second, Usage: "failure detector tick length"},
		cli.DurationFlag{Name: "ack-timeout", Value: 200 * time.Millisecond, Usage: "direct probe ack wait before indirect escalation"},
		cli.IntFlag{Name: "num-proxies", Value: 3, Usage: "indirect probe fan-out"},
		cli.StringSliceFlag{Name: "key", Usage: "32-octet AES-256 key, hex-encoded (repeatable; first is active)"},
		cli.StringFlag{Name: "aad", Usage: "cluster-wide associated authenticated data, hex-encoded"},
		cli.StringSliceFlag{Name: "join", Usage: "peer address (host:port) to seed as alive on startup (repeatable)"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		iLogger.Error(nil, err.Error())
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	keys, err := decodeKeys(c.StringSlice("key"))
	if err != nil {
		return err
	}
	aad, err := hex.DecodeString(c.String("aad"))
	if err != nil {
		return fmt.Errorf("swimd: decode --aad: %w", err)
	}

	cfg := &swim.Config{
		BindAddress:    c.String("bind-address"),
		BindPort:       c.Int("bind-port"),
		ProtocolPeriod: c.Duration("protocol-period"),
		AckTimeout:     c.Duration("ack-timeout"),
		NumProxies:     c.Int("num-proxies"),
		Keys:           keys,
		AAD:            aad,
	}

	agent, err := swim.New(cfg)
	if err != nil {
		return fmt.Errorf("swimd: %w", err)
	}

	agent.Start()
	defer agent.ShutDown()

	go logEvents(agent)

	if peers := c.StringSlice("join"); len(peers) > 0 {
		if err := agent.Join(peers); err != nil {
			return fmt.Errorf("swimd: join: %w", err)
		}
	}

	iLogger.Info(nil, fmt.Sprintf("swimd: listening on %s", agent.LocalMember()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}

func decodeKeys(hexKeys []string) ([][]byte, error) {
	keys := make([][]byte, 0, len(hexKeys))
	for _, k := range hexKeys {
		b, err := hex.DecodeString(k)
		if err != nil {
			return nil, fmt.Errorf("swimd: decode --key: %w", err)
		}
		keys = append(keys, b)
	}
	return keys, nil
}

func logEvents(agent *swim.SWIM) {
	for ev := range agent.Events() {
		iLogger.Info(nil, fmt.Sprintf("swimd: member %s -> %s (inc=%d)", ev.ID, ev.New, ev.Inc))
	}
}
