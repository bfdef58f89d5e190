// Copyright 2024 The Megaphone Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The megactl binary manages a running broker over its local management
// socket. It is baked into the broker image so the cluster controller can
// drive rollouts by exec'ing it inside pods.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/d71-dev/megaphone/pkg/config"
	"github.com/d71-dev/megaphone/pkg/protocol"
)

type ctl struct {
	client *http.Client
	output string
}

func main() {
	a := kingpin.New("megactl", "Control a running megaphone broker")
	socket := a.Flag("socket", "Path of the broker management socket.").
		Short('s').Default(config.DefaultMngSocketPath).String()
	output := a.Flag("output", "Output format (plain, json).").
		Short('o').Default("plain").Enum("plain", "json")

	listAgents := a.Command("list-agents", "List the virtual agents on this node.")

	addAgent := a.Command("add-agent", "Add a master virtual agent.")
	addAgentName := addAgent.Flag("name", "Agent name.").Short('n').Required().String()

	pipeAgent := a.Command("pipe-agent", "Pipe an agent's channels to a peer node.")
	pipeAgentName := pipeAgent.Flag("name", "Agent name.").Short('n').Required().String()
	pipeAgentTarget := pipeAgent.Flag("target", "Peer sync address, host:port.").Short('t').Required().String()

	listChannels := a.Command("list-channels", "List channels on this node.")
	listSkip := listChannels.Flag("skip", "Channels to skip.").Default("0").Int()
	listLimit := listChannels.Flag("limit", "Maximum channels to return.").Default("50").Int()

	disposeChannel := a.Command("dispose-channel", "Drop a channel by its ID.")
	disposeID := disposeChannel.Arg("channel", "Channel short ID, hex.").Required().String()

	cmd, err := a.Parse(os.Args[1:])
	if err != nil {
		kingpin.Fatalf("parsing command line: %s", err)
	}

	transport := cleanhttp.DefaultPooledTransport()
	transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", *socket)
	}
	c := &ctl{
		client: &http.Client{Transport: transport, Timeout: 60 * time.Second},
		output: *output,
	}

	switch cmd {
	case listAgents.FullCommand():
		err = c.listAgents()
	case addAgent.FullCommand():
		err = c.post("/vagent/add", protocol.AddVirtualAgentRequest{Name: *addAgentName})
	case pipeAgent.FullCommand():
		err = c.post("/vagent/pipe", protocol.PipeVirtualAgentRequest{Name: *pipeAgentName, Target: *pipeAgentTarget})
	case listChannels.FullCommand():
		err = c.listChannels(*listSkip, *listLimit)
	case disposeChannel.FullCommand():
		err = c.disposeChannel(*disposeID)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "megactl:", err)
		os.Exit(1)
	}
}

// The management socket is local, so the host part of the URL is arbitrary.
const baseURL = "http://megaphone"

func (c *ctl) do(method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var eb protocol.ErrorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Code != "" {
			return nil, fmt.Errorf("%s: %s", eb.Code, eb.Message)
		}
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return raw, nil
}

func (c *ctl) post(path string, body any) error {
	raw, err := c.do(http.MethodPost, path, body)
	if err != nil {
		return err
	}
	if c.output == "json" {
		os.Stdout.Write(raw)
		fmt.Println()
		return nil
	}
	fmt.Println("OK")
	return nil
}

func (c *ctl) listAgents() error {
	raw, err := c.do(http.MethodGet, "/vagent/list", nil)
	if err != nil {
		return err
	}
	if c.output == "json" {
		os.Stdout.Write(raw)
		fmt.Println()
		return nil
	}
	var agents []protocol.VirtualAgentInfo
	if err := json.Unmarshal(raw, &agents); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMODE\tWARMING\tSINCE\tCHANNELS")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%t\t%ds\t%d\n", a.Name, a.Mode, a.WarmingUp, a.SinceSeconds, a.ChannelsCount)
	}
	return w.Flush()
}

func (c *ctl) listChannels(skip, limit int) error {
	path := "/channel/list?skip=" + strconv.Itoa(skip) + "&limit=" + strconv.Itoa(limit)
	raw, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if c.output == "json" {
		os.Stdout.Write(raw)
		fmt.Println()
		return nil
	}
	var channels []protocol.ChannelInfo
	if err := json.Unmarshal(raw, &channels); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHANNEL\tAGENT\tLAST READ\tBUFFERED")
	for _, ch := range channels {
		fmt.Fprintf(w, "%s\t%s\t%ds\t%d\n", ch.Channel, ch.Agent, ch.LastReadSeconds, ch.Buffered)
	}
	return w.Flush()
}

func (c *ctl) disposeChannel(id string) error {
	raw, err := c.do(http.MethodDelete, "/channel/"+id, nil)
	if err != nil {
		return err
	}
	if c.output == "json" {
		os.Stdout.Write(raw)
		fmt.Println()
		return nil
	}
	fmt.Println("OK")
	return nil
}
