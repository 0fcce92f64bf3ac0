// ymodem-push is a one-shot CLI that pushes a single file to a node
// over YMODEM-1K, mirroring cmd/npioff's minimal shape: parse flags,
// do one thing, exit.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/fieldcam/aicam-node/ymodem"
)

var (
	serialPath = kingpin.Flag("device", "Path to serial port device").Required().String()
	baudRate   = kingpin.Flag("baud", "Serial port baudrate").Default("115200").Uint()
	filePath   = kingpin.Arg("file", "Path to the file to push").Required().String()
)

func main() {
	kingpin.Version("0.1")
	kingpin.Parse()

	f, err := os.Open(*filePath)
	if err != nil {
		fmt.Printf("Error opening %s: %v\n", *filePath, err)
		os.Exit(1)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		fmt.Printf("Error statting %s: %v\n", *filePath, err)
		os.Exit(1)
	}

	opts := serial.OpenOptions{
		PortName:              *serialPath,
		BaudRate:              *baudRate,
		DataBits:              8,
		StopBits:              1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
		MinimumReadSize:       1,
	}
	port, err := serial.Open(opts)
	if err != nil {
		fmt.Printf("Error opening serial port: %v\n", err)
		os.Exit(1)
	}
	defer port.Close()

	sender := &ymodem.Sender{
		Transport: &deadlineless{port},
		Filename:  info.Name(),
		Size:      info.Size(),
		Data:      f,
	}
	if err := sender.Send(); err != nil {
		fmt.Printf("Transfer failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Sent %s (%d bytes)\n", info.Name(), info.Size())
}

// deadlineless adapts serial.Open's io.ReadWriteCloser, which has no
// per-call deadline support, to ymodem.Transport. A real deadline is
// unnecessary here: the serial driver's own InterCharacterTimeout/
// MinimumReadSize govern read blocking, so SetReadDeadline is a no-op.
type deadlineless struct {
	rwc io.ReadWriteCloser
}

func (d *deadlineless) Read(p []byte) (int, error)     { return d.rwc.Read(p) }
func (d *deadlineless) Write(p []byte) (int, error)    { return d.rwc.Write(p) }
func (d *deadlineless) SetReadDeadline(_ time.Time) error { return nil }
