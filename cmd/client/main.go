package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/louiskop/go-voip-chat/pkg/client"
	"github.com/louiskop/go-voip-chat/pkg/logging"
	"github.com/louiskop/go-voip-chat/pkg/version"
)

func main() {
	serverAddr := flag.String("server", "127.0.0.1:9600", "Server control address")
	nickname := flag.String("nick", "", "Nickname to register")
	logLevel := flag.String("log-level", "warn", "Log level: "+logging.LevelNames())
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}
	if *nickname == "" {
		fmt.Fprintln(os.Stderr, "a nickname is required (-nick)")
		os.Exit(1)
	}

	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: "text",
		Output: os.Stderr,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	c, err := client.Dial(*serverAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	if err := c.Register(*nickname); err != nil {
		fmt.Fprintf(os.Stderr, "register: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("registered as %s\n", *nickname)

	c.SetHandlers(client.Handlers{
		OnUserList: func(names []string) {
			fmt.Printf("<< online: %s\n", strings.Join(names, ", "))
		},
		OnNotify: func(id int64) {
			fmt.Printf("<< added to session %d\n", id)
		},
		OnNotifyPrivate: func(id int64, members []string) {
			fmt.Printf("<< added to private session %d with %s\n", id, strings.Join(members, ", "))
		},
		OnSessionUsers: func(id int64, members []string) {
			fmt.Printf("<< session %d members: %s\n", id, strings.Join(members, ", "))
		},
		OnMessage: func(from string, id int64, text string) {
			fmt.Printf("<< [session %d] %s: %s\n", id, from, text)
		},
		OnVoiceNote: func(from string, id int64, data []byte) {
			fmt.Printf("<< [session %d] voice note from %s, playing\n", id, from)
			go func() {
				if err := c.PlayVoiceNote(data); err != nil {
					fmt.Printf("<< voice note playback failed: %v\n", err)
				}
			}()
		},
		OnCallList: func(id int64, channels [][]string) {
			for ch, names := range channels {
				fmt.Printf("<< session %d channel %d: %s\n", id, ch, strings.Join(names, ", "))
			}
		},
		OnSessionClosed: func(id int64) {
			fmt.Printf("<< left session %d\n", id)
		},
		OnError: func(reason string) {
			fmt.Printf("<< server error: %s\n", reason)
		},
	})
	c.StartReceiving()

	repl(c)
}

const replHelp = `commands:
  users                       list online users
  create                      create a group session
  invite <session> <nick>     invite a user to a session
  msg <session> <text...>     send a text message
  note <session> <seconds>    record and send a voice note
  call <session> <channel>    join a call channel (0-3)
  hangup <session> <channel>  leave a call channel
  calls <session>             show call channel occupancy
  leave <session>             leave a session
  quit                        disconnect and exit`

func repl(c *client.Client) {
	fmt.Println(replHelp)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			_ = c.Disconnect()
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "users":
			err = c.RequestUserList()
		case "create":
			err = c.CreateSession()
		case "invite":
			if len(fields) != 3 {
				fmt.Println("usage: invite <session> <nick>")
				continue
			}
			err = c.Invite(parseID(fields[1]), fields[2], false)
		case "msg":
			if len(fields) < 3 {
				fmt.Println("usage: msg <session> <text...>")
				continue
			}
			err = c.SendMessage(parseID(fields[1]), strings.Join(fields[2:], " "))
		case "note":
			if len(fields) != 3 {
				fmt.Println("usage: note <session> <seconds>")
				continue
			}
			secs := parseID(fields[2])
			if secs <= 0 || secs > 60 {
				fmt.Println("note length must be 1-60 seconds")
				continue
			}
			fmt.Printf("recording %ds...\n", secs)
			err = c.RecordVoiceNote(parseID(fields[1]), time.Duration(secs)*time.Second)
		case "call":
			if len(fields) != 3 {
				fmt.Println("usage: call <session> <channel>")
				continue
			}
			err = c.JoinCall(parseID(fields[1]), int(parseID(fields[2])))
		case "hangup":
			if len(fields) != 3 {
				fmt.Println("usage: hangup <session> <channel>")
				continue
			}
			err = c.LeaveCall(parseID(fields[1]), int(parseID(fields[2])))
		case "calls":
			if len(fields) != 2 {
				fmt.Println("usage: calls <session>")
				continue
			}
			err = c.RequestCallList(parseID(fields[1]))
		case "leave":
			if len(fields) != 2 {
				fmt.Println("usage: leave <session>")
				continue
			}
			err = c.LeaveSession(parseID(fields[1]))
		case "quit":
			_ = c.Disconnect()
			return
		case "help":
			fmt.Println(replHelp)
		default:
			fmt.Printf("unknown command %q (try help)\n", fields[0])
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return
		}
	}
}

func parseID(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return -1
	}
	return n
}
