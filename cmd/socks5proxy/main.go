// Command socks5proxy is a single-threaded, non-blocking SOCKS5 CONNECT
// proxy: one listening socket, one epoll instance, no per-connection
// goroutines.
package main

import "github.com/netlabs/socks5reactor/internal/cli"

func main() {
	cli.Main()
}
