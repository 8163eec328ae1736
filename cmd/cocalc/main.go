/*
Copyright 2025 The Project Host Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command cocalc is the end-user CLI (C11): by default it is a thin
// client of the per-user daemon, auto-starting it on first use and
// forwarding every workspace.file.* request over the daemon's shared
// bus context. Invoked with --daemon-mode it instead becomes the
// daemon itself, serving the Unix socket until told to shut down.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	projecthost "github.com/sagemathinc/project-host"
	"github.com/sagemathinc/project-host/lib/daemon"
	"github.com/sagemathinc/project-host/lib/lro"
	"github.com/sagemathinc/project-host/lib/utils"
)

var log = logrus.WithField(trace.Component, projecthost.ComponentCLI)

type globals struct {
	profile     string
	apiURL      string
	accountID   string
	apiKey      string
	cookie      string
	bearer      string
	hubPassword string
	jsonOutput  bool
	noDaemon    bool
	timeout     time.Duration
	rpcTimeout  time.Duration
	pollMs      int
}

// daemonMode and busAddr back --daemon-mode/--bus-addr: kingpin needs a
// destination before the command tree below it is known to be a client
// invocation or a daemon re-exec, so these two are package-level rather
// than fields threaded through main's local flow.
var (
	daemonMode bool
	busAddr    string
)

func main() {
	app := kingpin.New("cocalc", "CoCalc project workspace CLI.")

	var g globals
	app.Flag("json", "Print raw JSON instead of formatted output.").BoolVar(&g.jsonOutput)
	app.Flag("profile", "Named credential profile to use.").StringVar(&g.profile)
	app.Flag("api", "Base URL of the CoCalc API.").StringVar(&g.apiURL)
	app.Flag("account-id", "Account id to authenticate as.").StringVar(&g.accountID)
	app.Flag("api-key", "API key to authenticate with.").StringVar(&g.apiKey)
	app.Flag("cookie", "Session cookie to authenticate with.").StringVar(&g.cookie)
	app.Flag("bearer", "Bearer token to authenticate with.").StringVar(&g.bearer)
	app.Flag("hub-password", "Trusted hub password, for internal use.").StringVar(&g.hubPassword)
	app.Flag("timeout", "Overall command timeout.").Default("30s").DurationVar(&g.timeout)
	app.Flag("rpc-timeout", "Per-request timeout; parsed but not applied to daemon requests.").Default("10s").DurationVar(&g.rpcTimeout)
	app.Flag("poll-ms", "Poll interval in milliseconds when waiting on a long-running operation.").Default("500").IntVar(&g.pollMs)
	app.Flag("no-daemon", "Never auto-start the daemon; fail if it is not already running.").BoolVar(&g.noDaemon)
	app.Flag("daemon-mode", "Run as the daemon itself instead of as a client.").Hidden().BoolVar(&daemonMode)
	app.Flag("bus-addr", "Project host bus address the daemon dials, in --daemon-mode.").Default("127.0.0.1:8081").Hidden().StringVar(&busAddr)
	var debug bool
	app.Flag("debug", "Enable debug-level logging.").BoolVar(&debug)

	lsCmd := app.Command("ls", "List files in a workspace directory.")
	lsPath := lsCmd.Arg("path", "Directory to list.").Default(".").String()

	catCmd := app.Command("cat", "Print a workspace file's contents.")
	catPath := catCmd.Arg("path", "File to print.").Required().String()

	putCmd := app.Command("put", "Upload a local file to the workspace.")
	putLocal := putCmd.Arg("local", "Local source path.").Required().String()
	putRemote := putCmd.Arg("remote", "Destination path in the workspace.").Required().String()

	getCmd := app.Command("get", "Download a workspace file to the local machine.")
	getRemote := getCmd.Arg("remote", "Source path in the workspace.").Required().String()
	getLocal := getCmd.Arg("local", "Local destination path.").Required().String()

	rmCmd := app.Command("rm", "Remove a workspace file or directory.")
	rmPath := rmCmd.Arg("path", "Path to remove.").Required().String()
	rmRecursive := rmCmd.Flag("recursive", "Remove directories recursively.").Short('r').Bool()

	mkdirCmd := app.Command("mkdir", "Create a workspace directory.")
	mkdirPath := mkdirCmd.Arg("path", "Directory to create.").Required().String()

	rgCmd := app.Command("rg", "Search workspace file contents.")
	rgPattern := rgCmd.Arg("pattern", "Pattern to search for.").Required().String()
	rgPath := rgCmd.Arg("path", "Directory to search under.").Default(".").String()

	fdCmd := app.Command("fd", "Search workspace file names.")
	fdPattern := fdCmd.Arg("pattern", "Pattern to match against file names.").Required().String()
	fdPath := fdCmd.Arg("path", "Directory to search under.").Default(".").String()

	waitCmd := app.Command("wait", "Wait for a long-running operation to finish.")
	waitOpID := waitCmd.Arg("op-id", "Operation id to wait on.").Required().String()

	selected := kingpin.MustParse(app.Parse(os.Args[1:]))

	level := logrus.InfoLevel
	if debug {
		level = logrus.DebugLevel
	}
	utils.InitLogger(utils.LoggingForCLI, level)

	if daemonMode {
		if err := runDaemon(busAddr); err != nil {
			log.WithError(err).Error("daemon exited with an error")
			os.Exit(1)
		}
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		utils.FatalError(trace.Wrap(err, "determining working directory"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	var result json.RawMessage
	switch selected {
	case lsCmd.FullCommand():
		result, err = run(ctx, g, cwd, "workspace.file.list", pathPayload(*lsPath))
	case catCmd.FullCommand():
		result, err = run(ctx, g, cwd, "workspace.file.cat", pathPayload(*catPath))
	case putCmd.FullCommand():
		result, err = run(ctx, g, cwd, "workspace.file.put", transferPayload(*putLocal, *putRemote))
	case getCmd.FullCommand():
		result, err = run(ctx, g, cwd, "workspace.file.get", transferPayload(*getRemote, *getLocal))
	case rmCmd.FullCommand():
		result, err = run(ctx, g, cwd, "workspace.file.rm", rmPayload(*rmPath, *rmRecursive))
	case mkdirCmd.FullCommand():
		result, err = run(ctx, g, cwd, "workspace.file.mkdir", pathPayload(*mkdirPath))
	case rgCmd.FullCommand():
		result, err = run(ctx, g, cwd, "workspace.file.rg", searchPayload(*rgPattern, *rgPath))
	case fdCmd.FullCommand():
		result, err = run(ctx, g, cwd, "workspace.file.fd", searchPayload(*fdPattern, *fdPath))
	case waitCmd.FullCommand():
		result, err = waitForOp(ctx, g, cwd, *waitOpID)
	}

	if err != nil {
		reportError(g, err)
	}
	printResult(g, result)
}

// reportError prints err in the format --json calls for (a stable
// machine-readable code plus message) or, for humans, the same
// rendering every other CLI entry point in this repository uses.
func reportError(g globals, err error) {
	if g.jsonOutput {
		envelope, _ := json.Marshal(struct {
			Error struct {
				Code    utils.ErrorCode `json:"code"`
				Message string          `json:"message"`
			} `json:"error"`
		}{Error: struct {
			Code    utils.ErrorCode `json:"code"`
			Message string          `json:"message"`
		}{Code: utils.ClassifyError(err), Message: err.Error()}})
		fmt.Println(string(envelope))
		os.Exit(1)
	}
	utils.FatalError(err)
}

func authKey(g globals) daemon.AuthKey {
	return daemon.AuthKey{
		Profile:     g.profile,
		APIURL:      g.apiURL,
		AccountID:   g.accountID,
		APIKey:      g.apiKey,
		Cookie:      g.cookie,
		Bearer:      g.bearer,
		HubPassword: g.hubPassword,
	}
}

func pathPayload(path string) json.RawMessage {
	b, _ := json.Marshal(struct {
		Path string `json:"path"`
	}{Path: path})
	return b
}

func transferPayload(src, dst string) json.RawMessage {
	b, _ := json.Marshal(struct {
		Source      string `json:"source"`
		Destination string `json:"destination"`
	}{Source: src, Destination: dst})
	return b
}

func rmPayload(path string, recursive bool) json.RawMessage {
	b, _ := json.Marshal(struct {
		Path      string `json:"path"`
		Recursive bool   `json:"recursive"`
	}{Path: path, Recursive: recursive})
	return b
}

func searchPayload(pattern, path string) json.RawMessage {
	b, _ := json.Marshal(struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}{Pattern: pattern, Path: path})
	return b
}

// run sends one request to the daemon, auto-starting it unless
// --no-daemon was given, and returns its data payload.
func run(ctx context.Context, g globals, cwd, action string, payload json.RawMessage) (json.RawMessage, error) {
	globalsJSON, err := json.Marshal(authKey(g))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req := daemon.Request{ID: requestID(), Action: action, Cwd: cwd, Globals: globalsJSON, Payload: payload}

	client := daemon.NewClient(daemon.SocketPath(os.Getuid()))
	var resp daemon.Response
	if g.noDaemon {
		resp, err = client.Send(req)
	} else {
		self, err2 := os.Executable()
		if err2 != nil {
			return nil, trace.Wrap(err2)
		}
		resp, err = client.EnsureRunning(ctx, self, req)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !resp.OK {
		return nil, trace.BadParameter("%s", resp.Error)
	}
	return resp.Data, nil
}

// waitForOp polls lro.get through the daemon until opID reaches a
// terminal status or --timeout elapses.
func waitForOp(ctx context.Context, g globals, cwd, opID string) (json.RawMessage, error) {
	getter := &daemonOpGetter{ctx: ctx, g: g, cwd: cwd}
	result, err := lro.Wait(getter, opID, g.timeout, time.Duration(g.pollMs)*time.Millisecond, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return json.Marshal(result)
}

type daemonOpGetter struct {
	ctx context.Context
	g   globals
	cwd string
}

func (d *daemonOpGetter) Get(opID string) (lro.Summary, error) {
	payload, _ := json.Marshal(struct {
		OpID string `json:"op_id"`
	}{OpID: opID})
	data, err := run(d.ctx, d.g, d.cwd, "lro.get", payload)
	if err != nil {
		return lro.Summary{}, trace.Wrap(err)
	}
	var summary lro.Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return lro.Summary{}, trace.Wrap(err)
	}
	return summary, nil
}

func printResult(g globals, data json.RawMessage) {
	if len(data) == 0 {
		return
	}
	if g.jsonOutput {
		fmt.Println(string(data))
		return
	}
	var pretty interface{}
	if err := json.Unmarshal(data, &pretty); err != nil {
		fmt.Println(string(data))
		return
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(string(out))
}

var requestCounter int64

// requestID returns a small process-unique id; the daemon protocol
// only needs requests from one connection to be distinguishable.
func requestID() string {
	requestCounter++
	return fmt.Sprintf("%d-%d", os.Getpid(), requestCounter)
}

func runDaemon(busAddr string) error {
	socket := daemon.SocketPath(os.Getuid())
	registry := daemon.NewContextRegistry(func(key daemon.AuthKey) (daemon.BusConn, error) {
		return daemon.DialBus("ws://"+busAddr+"/", key)
	})
	srv, err := daemon.New(daemon.ServerConfig{
		SocketPath: socket,
		Registry:   registry,
		Handlers:   daemon.DefaultHandlers(),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	log.WithField("socket", socket).Info("cocalc daemon listening")
	return srv.Serve()
}
