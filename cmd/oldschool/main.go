// Package main provides the oldschool chat command-line interface.
//
// The executable has two subcommands: "server" runs a chat server, "client"
// connects to one and turns the terminal into a chat session. Run without a
// subcommand it prints usage.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/opd-ai/oldschool/client"
	"github.com/opd-ai/oldschool/config"
	"github.com/opd-ai/oldschool/server"
	"github.com/opd-ai/oldschool/transport"
)

const loginTimeout = 30 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		return
	}

	switch os.Args[1] {
	case "server":
		os.Exit(runServer(os.Args[2:]))
	case "client":
		os.Exit(runClient(os.Args[2:]))
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Println("oldschool - a chat service for the terminal")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  oldschool server [-P password] [-c config.yaml] [-listen addr]")
	fmt.Println("  oldschool client ADDRESS USERNAME [-p port] [-P password]")
	fmt.Println()
	fmt.Println("Run 'oldschool server -h' or 'oldschool client -h' for flag details.")
}

// runServer loads the configuration, applies flag overrides, and serves until
// an interrupt arrives.
func runServer(args []string) int {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	listen := fs.String("listen", "", "listen address (overrides the config file)")
	var password, configPath string
	fs.StringVar(&password, "password", "", "require this password from clients")
	fs.StringVar(&password, "P", "", "shorthand for -password")
	fs.StringVar(&configPath, "config", "", "path to a YAML configuration file")
	fs.StringVar(&configPath, "c", "", "shorthand for -config")
	fs.Parse(args) //nolint:errcheck

	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if password != "" {
		cfg.Password = password
	}
	if err := cfg.SetupLogger(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	s, err := server.New(server.Options{
		Addr:     cfg.Listen,
		Password: cfg.Password,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		s.Shutdown("server stopped")
	}()

	if err := s.Run(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "runServer",
			"error":    err,
		}).Error("Server stopped with error")
		return 1
	}
	return 0
}

// runClient connects, drives the login dialogue on the terminal, then runs
// the chat session: a printer goroutine for incoming events and a line loop
// reading stdin.
func runClient(args []string) int {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	var port int
	var password string
	fs.IntVar(&port, "port", transport.DefaultPort, "server port")
	fs.IntVar(&port, "p", transport.DefaultPort, "shorthand for -port")
	fs.StringVar(&password, "password", "", "login password (prompted for when required and not given)")
	fs.StringVar(&password, "P", "", "shorthand for -password")
	fs.Parse(args) //nolint:errcheck

	if fs.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "usage: oldschool client ADDRESS USERNAME [-p port] [-P password]")
		return 2
	}
	// Flags may also trail the positional arguments.
	addr, userName := fs.Arg(0), fs.Arg(1)
	fs.Parse(fs.Args()[2:]) //nolint:errcheck

	logrus.SetLevel(logrus.WarnLevel)

	c, err := client.Dial(fmt.Sprintf("%s:%d", addr, port), userName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer c.Terminate()

	if c.IsLoginRequired() && !login(c, password) {
		fmt.Println("Login Failed")
		return 1
	}
	if !c.WaitAuthenticated(loginTimeout) {
		fmt.Println("Login Failed")
		return 1
	}
	fmt.Println("Logged in. Type a message and press enter; ctrl-D to leave.")

	go printEvents(c)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := c.Send(text); err != nil {
			fmt.Fprintln(os.Stderr, err)
			if err == client.ErrNotAuthenticated {
				continue
			}
			return 1
		}
	}
	return 0
}

// login runs up to three password attempts, prompting when no password was
// given on the command line.
func login(c *client.Client, password string) bool {
	for attempt := 0; attempt < 3; attempt++ {
		pw := password
		if pw == "" {
			var err error
			pw, err = promptPassword()
			if err != nil {
				return false
			}
		}
		res, err := c.Login(pw)
		if err != nil {
			return false
		}
		if res == client.LoginCorrect {
			return true
		}
		fmt.Println("Incorrect password.")
		password = "" // a flag-given password only gets one shot
	}
	return false
}

// promptPassword reads a password without echo when stdin is a terminal and
// falls back to a plain line read when it is not.
func promptPassword() (string, error) {
	fmt.Print("Password: ")
	if term.IsTerminal(int(os.Stdin.Fd())) {
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		return string(raw), err
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

// printEvents renders the incoming event stream until the connection is gone.
func printEvents(c *client.Client) {
	for {
		ev, err := c.Receive()
		if err != nil {
			fmt.Println("Connection closed.")
			os.Exit(0)
		}
		switch e := ev.(type) {
		case client.MessageEvent:
			fmt.Printf("%s: %s\n", e.Sender, e.Text)
		case client.UserListEvent:
			if len(e.Names) == 0 {
				fmt.Println("* nobody else is here")
			} else {
				fmt.Printf("* also here: %s\n", strings.Join(e.Names, ", "))
			}
		}
	}
}
