package main

import (
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webtor-project/subtletls"
)

var addr string
var wsURL string
var serverName string
var caFile string
var alpn string
var relaxed bool

func loadAnchors(path string) []*x509.Certificate {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Cannot read CA file: %s", path)
	}
	var anchors []*x509.Certificate
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			log.Fatalf("Cannot parse certificate in %s: %v", path, err)
		}
		anchors = append(anchors, cert)
	}
	if len(anchors) == 0 {
		log.Fatalf("No certificates found in %s", path)
	}
	return anchors
}

// wsNetConn adapts a websocket connection to net.Conn so the TLS engine can
// run over it.  Each Write becomes one binary frame; Reads drain frames.
type wsNetConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func (c *wsNetConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			msgType, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *wsNetConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsNetConn) Close() error         { return c.ws.Close() }
func (c *wsNetConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsNetConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsNetConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
func (c *wsNetConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsNetConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

func main() {
	flag.StringVar(&addr, "addr", "localhost:4430", "host:port to connect to over TCP")
	flag.StringVar(&wsURL, "ws", "", "websocket URL to tunnel through instead of TCP")
	flag.StringVar(&serverName, "servername", "", "expected server name (defaults to the host part of the address)")
	flag.StringVar(&caFile, "cafile", "", "PEM file with trust anchor certificates")
	flag.StringVar(&alpn, "alpn", "", "ALPN protocol to offer")
	flag.BoolVar(&relaxed, "relaxed", false, "skip trust anchor termination (chain and signature checks still run)")
	flag.Parse()

	config := subtletls.Config{
		ServerName:   serverName,
		RelaxedTrust: relaxed,
	}
	if caFile != "" {
		config.TrustAnchors = loadAnchors(caFile)
	}
	if alpn != "" {
		config.NextProtos = []string{alpn}
	}

	var conn *subtletls.Conn
	if wsURL != "" {
		u, err := url.Parse(wsURL)
		if err != nil {
			log.Fatal("Bad websocket URL:", err)
		}
		if config.ServerName == "" {
			config.ServerName = u.Hostname()
		}
		ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			log.Fatal("Websocket dial failed:", err)
		}
		conn = subtletls.NewConn(&wsNetConn{ws: ws}, &config)
		if alert := conn.Handshake(); alert != subtletls.AlertNoAlert {
			fmt.Println("TLS handshake failed:", conn.Err())
			return
		}
	} else {
		var err error
		conn, err = subtletls.Dial("tcp", addr, &config)
		if err != nil {
			fmt.Println("TLS handshake failed:", err)
			return
		}
	}
	defer conn.Close()

	state := conn.ConnectionState()
	fmt.Printf("Connected: %s", state.CipherSuite.Suite)
	if state.NextProto != "" {
		fmt.Printf(" (%s)", state.NextProto)
	}
	fmt.Println()

	request := "GET / HTTP/1.0\r\n\r\n"
	if _, err := conn.Write([]byte(request)); err != nil {
		fmt.Println("Write failed:", err)
		return
	}

	buffer := make([]byte, 1024)
	for {
		read, err := conn.Read(buffer)
		if read > 0 {
			os.Stdout.Write(buffer[:read])
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			fmt.Println("err:", err)
			return
		}
	}
}
