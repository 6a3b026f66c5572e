package interop

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func writeTempFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	panicOn(os.WriteFile(path, []byte(content), 0600))
	return path
}

func Test130_load_config_from_toml(t *testing.T) {

	cv.Convey("LoadConfig overrides the defaults with what the file sets", t, func() {
		path := writeTempFile(t, "interop.toml", `
identity = "kv-server"
transport = "mem"
connect_timeout = "2s"
handshake_timeout = "750ms"
compress_algo = "zstd:03"
checksum = true
max_frame_bytes = 4096
max_inbound_links = 3
quiet = false
`)
		cfg, err := LoadConfig(path)
		cv.So(err, cv.ShouldBeNil)
		cv.So(cfg.Identity, cv.ShouldEqual, "kv-server")
		cv.So(cfg.Transport, cv.ShouldEqual, DefaultMemTransport)
		cv.So(cfg.ConnectTimeout, cv.ShouldEqual, 2*time.Second)
		cv.So(cfg.HandshakeTimeout, cv.ShouldEqual, 750*time.Millisecond)
		cv.So(cfg.ReadTimeout, cv.ShouldEqual, time.Duration(0))
		cv.So(cfg.CompressAlgo, cv.ShouldEqual, "zstd:03")
		cv.So(cfg.Checksum, cv.ShouldBeTrue)
		cv.So(cfg.MaxFrameBytes, cv.ShouldEqual, 4096)
		cv.So(cfg.MaxInboundLinks, cv.ShouldEqual, 3)
		cv.So(cfg.Sink, cv.ShouldNotBeNil)
	})

	cv.Convey("transport names map to transports", t, func() {
		for name, want := range map[string]string{
			`""`:     "interop.TCPTransport",
			`"tcp"`:  "interop.TCPTransport",
			`"quic"`: "*interop.QUICTransport",
			`"mem"`:  "*interop.MemTransport",
		} {
			cfg, err := LoadConfig(writeTempFile(t, "tr.toml", "transport = "+name))
			cv.So(err, cv.ShouldBeNil)
			cv.So(fmt.Sprintf("%T", cfg.Transport), cv.ShouldEqual, want)
		}
	})

	cv.Convey("unknown keys, bad durations and bad compression are refused", t, func() {
		for _, content := range []string{
			`colour = "blue"`,
			`read_timeout = "soon"`,
			`compress_algo = "gzip"`,
			`transport = "carrier-pigeon"`,
			`max_frame_bytes = -1`,
			`max_inbound_links = -2`,
		} {
			_, err := LoadConfig(writeTempFile(t, "bad.toml", content))
			cv.So(errors.Is(err, ErrBadConfig), cv.ShouldBeTrue)
		}
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
		cv.So(errors.Is(err, ErrBadConfig), cv.ShouldBeTrue)
	})
}
