// Command multichord starts one process participating in the ring: a
// transport, a NodePool, a Controller, and the interactive chordcli
// shell. Flags follow spec.md §6, plus the timing overrides recovered
// from original_source/main.py.
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"multichord/chordcli"
	"multichord/chordnet"
	"multichord/controller"
	"multichord/transport"
)

type bootstrapList []string

func (b *bootstrapList) String() string { return fmt.Sprint(*b) }

func (b *bootstrapList) Set(addr string) error {
	*b = append(*b, addr)
	return nil
}

func main() {
	var bootstraps bootstrapList
	flag.Var(&bootstraps, "bootstrap", "host:port of an existing ring member; repeatable")
	scenarioHostRandom := flag.Bool("scenario-host-random", false, "host one virtual node with a random payload at startup")
	stabilizeInterval := flag.Duration("stabilize-interval", 5*time.Second, "interval between stabilization rounds")
	rpcTimeout := flag.Duration("rpc-timeout", time.Second, "timeout for a single RPC call")
	fetchTimeout := flag.Duration("fetch-timeout", 60*time.Second, "deadline for controller.fetch / the jr command")
	logFile := flag.String("log-file", "", "path to write logs to; stderr if empty")
	logLevel := flag.String("log-level", "info", "logrus level: debug, info, warn, error")
	flag.Parse()

	configureLogging(*logFile, *logLevel)

	args := flag.Args()
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: multichord [flags] <bind-ip> <bind-port>")
		os.Exit(2)
	}
	bindAddr := net.JoinHostPort(args[0], args[1])

	tr, err := transport.Listen(bindAddr)
	if err != nil {
		logrus.Fatalf("multichord: listen %s: %v", bindAddr, err)
	}
	defer tr.Close()

	timings := chordnet.Timings{
		StabilizeInterval: *stabilizeInterval,
		RPCTimeout:        *rpcTimeout,
		FetchTimeout:      *fetchTimeout,
	}
	pool := chordnet.NewNodePool(tr, timings)
	for _, b := range bootstraps {
		pool.AddBootstrap(b)
	}
	logrus.Infof("multichord: bound %s, %d bootstrap(s)", pool.LocalAddr(), len(bootstraps))

	ctrl := controller.New(pool)

	if *scenarioHostRandom {
		payload := make([]byte, 1024)
		if _, err := rand.Read(payload); err != nil {
			logrus.Fatalf("multichord: scenario-host-random: %v", err)
		}
		hostedID, err := ctrl.Host(payload)
		if err != nil {
			logrus.Fatalf("multichord: scenario-host-random: %v", err)
		}
		logrus.Infof("multichord: scenario-host-random hosting %s", hostedID)
	}

	chordcli.New(ctrl, *fetchTimeout).Run()
}

func configureLogging(path, level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)

	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logrus.Warnf("multichord: open log file %s: %v, logging to stderr", path, err)
		return
	}
	logrus.SetOutput(f)
}
