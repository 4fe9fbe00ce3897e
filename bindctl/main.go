package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/streamweave/liveql/bind"
	"github.com/streamweave/liveql/engine"
	"github.com/streamweave/liveql/memengine"
	"github.com/streamweave/liveql/wsengine"
)

const BindCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Live query binding control.

Without --connect_url a local demo engine answers queries by echoing
the variables with a call sequence number.

Usage:
    bindctl exec --query=<query> [--document=<document>]
        [--variables=<variables>]
        [--policy=<policy>]
        [--connect_url=<connect_url> --jwt=<jwt>]
    bindctl watch --query=<query> [--document=<document>]
        [--variables=<variables>]
        [--policy=<policy>]
        [--poll=<poll>]
        [--duration=<duration>]
        [--connect_url=<connect_url> --jwt=<jwt>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --query=<query>              Query name.
    --document=<document>        Query document. Defaults to the query name.
    --variables=<variables>      Variables as json.
    --policy=<policy>            Fetch policy (cache-first, cache-only,
                                 cache-and-network, network-only, no-cache, standby).
    --poll=<poll>                Poll interval in seconds.
    --duration=<duration>        Stop watching after this many seconds.
    --connect_url=<connect_url>  Platform websocket url.
    --jwt=<jwt>                  Your platform JWT.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], BindCtlVersion)
	if err != nil {
		panic(err)
	}

	if exec_, _ := opts.Bool("exec"); exec_ {
		exec(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func queryFromOpts(opts docopt.Opts) engine.Query {
	queryName, _ := opts.String("--query")
	document, _ := opts.String("--document")
	if document == "" {
		document = queryName
	}
	return engine.Query{
		Name:     queryName,
		Document: document,
	}
}

func optionsFromOpts(opts docopt.Opts) *bind.QueryOptions {
	options := &bind.QueryOptions{}
	if variablesJson, _ := opts.String("--variables"); variablesJson != "" {
		variables := engine.Variables{}
		if err := json.Unmarshal([]byte(variablesJson), &variables); err != nil {
			Err.Fatalf("could not parse variables: %s", err)
		}
		options.Variables = variables
	}
	if policy, _ := opts.String("--policy"); policy != "" {
		options.FetchPolicy = engine.FetchPolicy(policy)
	}
	if pollStr, _ := opts.String("--poll"); pollStr != "" {
		pollSeconds, err := strconv.ParseFloat(pollStr, 64)
		if err != nil {
			Err.Fatalf("could not parse poll interval: %s", err)
		}
		options.PollInterval = time.Duration(pollSeconds * float64(time.Second))
	}
	return options
}

func engineFromOpts(ctx context.Context, opts docopt.Opts) engine.Engine {
	if connectUrl, _ := opts.String("--connect_url"); connectUrl != "" {
		byJwt, _ := opts.String("--jwt")
		queryEngine, err := wsengine.NewEngineWithDefaults(ctx, connectUrl, byJwt)
		if err != nil {
			Err.Fatalf("could not connect: %s", err)
		}
		return queryEngine
	}
	return memengine.NewEngineWithDefaults(ctx, demoResolver)
}

// the demo resolver echoes the query and variables with a sequence
// number, so refetches and polls visibly change the data
var demoSequence = 0

func demoResolver(ctx context.Context, query engine.Query, variables engine.Variables) (engine.Data, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}
	demoSequence += 1
	return engine.Data{
		"query":     query.Name,
		"variables": variables,
		"sequence":  demoSequence,
		"time":      time.Now().Format(time.RFC3339),
	}, nil
}

func printSnapshot(snapshot *engine.Snapshot) {
	if snapshot == nil {
		return
	}
	if snapshot.Err != nil {
		Out.Printf("error[%d]: %s", snapshot.NetworkStatus, snapshot.Err)
		return
	}
	var dataJson []byte
	var err error
	if term.IsTerminal(int(os.Stdout.Fd())) {
		dataJson, err = json.MarshalIndent(snapshot.Data, "", "  ")
	} else {
		dataJson, err = json.Marshal(snapshot.Data)
	}
	if err != nil {
		Err.Printf("could not encode data: %s", err)
		return
	}
	Out.Printf("status=%d loading=%t %s", snapshot.NetworkStatus, snapshot.Loading, string(dataJson))
}

func exec(opts docopt.Opts) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	queryEngine := engineFromOpts(ctx, opts)
	query := queryFromOpts(opts)
	options := optionsFromOpts(opts)

	// one-shot: run a pre-render pass and wait for hydration
	prerender := bind.NewPrerenderCoordinator()
	binding := bind.NewBindingWithPrerender(prerender)
	defer binding.Close()

	binding.Update(queryEngine, query, options)
	if err := prerender.Wait(ctx); err != nil {
		Err.Fatalf("hydration wait failed: %s", err)
	}
	result := binding.Update(queryEngine, query, options)
	printSnapshot(&engine.Snapshot{
		Data:          result.Data,
		Loading:       result.Loading,
		NetworkStatus: result.NetworkStatus,
		Err:           result.Err,
	})
}

func watch(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if durationStr, _ := opts.String("--duration"); durationStr != "" {
		durationSeconds, err := strconv.ParseFloat(durationStr, 64)
		if err != nil {
			Err.Fatalf("could not parse duration: %s", err)
		}
		ctx, cancel = context.WithTimeout(ctx, time.Duration(durationSeconds*float64(time.Second)))
		defer cancel()
	}

	queryEngine := engineFromOpts(ctx, opts)
	query := queryFromOpts(opts)
	options := optionsFromOpts(opts)

	binding := bind.NewBinding()
	defer binding.Close()

	result := binding.Update(queryEngine, query, options)
	fmt.Fprintf(os.Stderr, "watching %s as client %s\n", query.Name, result.ClientId)
	printSnapshot(binding.GetSnapshot())

	unsubscribe := binding.Subscribe(func() {
		printSnapshot(binding.GetSnapshot())
	})
	defer unsubscribe()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case <-sig:
	}
}
