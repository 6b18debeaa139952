// Command dmclient reads and sends marketplace direct messages from the
// terminal.
package main

func main() {
	Execute()
}
