// Package sshexec runs commands on drones over SSH without ever building a
// shell string from untrusted input. Callers pass the remote command
// components separately from any variable content, which this package
// base64-encodes before it crosses the wire — so a node name or capability
// value containing shell metacharacters can never be interpreted remotely.
package sshexec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// ResultKind classifies the outcome of a remote command the way the
// original subprocess-based helpers used exceptions for, replaced here
// with an explicit sum type per the error-handling design notes.
type ResultKind int

const (
	Ok ResultKind = iota
	Unreachable
	Timeout
	Error
)

func (k ResultKind) String() string {
	switch k {
	case Ok:
		return "ok"
	case Unreachable:
		return "unreachable"
	case Timeout:
		return "timeout"
	default:
		return "error"
	}
}

// Result is the outcome of one Run call.
type Result struct {
	Kind   ResultKind
	Output string
	Err    error
}

// Config configures how connections are authenticated and how long they
// are allowed to take.
type Config struct {
	User           string
	Port           int
	KeyPath        string
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.User == "" {
		c.User = "root"
	}
	if c.Port == 0 {
		c.Port = 22
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	return c
}

func (c Config) clientConfig() (*ssh.ClientConfig, error) {
	var auth ssh.AuthMethod
	if c.KeyPath != "" {
		key, err := os.ReadFile(c.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = ssh.PublicKeys(signer)
	} else {
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, fmt.Errorf("no key path configured and SSH_AUTH_SOCK unset")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("dial ssh agent: %w", err)
		}
		auth = ssh.PublicKeysCallback(agent.NewClient(conn).Signers)
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.ConnectTimeout,
	}, nil
}

// Run dials address and executes command, classifying the outcome.
// timeout bounds the entire dial+exec round trip.
func Run(address string, cfg Config, command string, timeout time.Duration) Result {
	cfg = cfg.withDefaults()
	clientCfg, err := cfg.clientConfig()
	if err != nil {
		return Result{Kind: Error, Err: err}
	}

	done := make(chan Result, 1)
	go func() {
		done <- runOnce(address, cfg.Port, clientCfg, command)
	}()

	select {
	case r := <-done:
		return r
	case <-time.After(timeout):
		return Result{Kind: Timeout, Err: fmt.Errorf("ssh %s: timed out after %s", address, timeout)}
	}
}

func runOnce(address string, port int, clientCfg *ssh.ClientConfig, command string) Result {
	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", address, port), clientCfg)
	if err != nil {
		return Result{Kind: Unreachable, Err: err}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{Kind: Error, Err: err}
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	if err := session.Run(command); err != nil {
		return Result{Kind: Error, Output: out.String(), Err: err}
	}
	return Result{Kind: Ok, Output: out.String()}
}

// RunPayload base64-encodes payload and has the remote shell decode and
// pipe it into interpreter (e.g. "sh", "sh -s") — the wire never carries
// payload's literal bytes, so embedded quotes or shell metacharacters in
// generated content cannot be interpreted remotely.
func RunPayload(address string, cfg Config, interpreter string, payload []byte, timeout time.Duration) Result {
	encoded := base64.StdEncoding.EncodeToString(payload)
	command := fmt.Sprintf("echo %s | base64 -d | %s", encoded, interpreter)
	return Run(address, cfg, command, timeout)
}
