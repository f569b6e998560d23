package walfs_test

import (
	"io"
	"testing"

	"github.com/unijord/shardlog/pkg/walfs"
)

func benchPayload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return data
}

func BenchmarkWALog_Append(b *testing.B) {
	syncOptions := []struct {
		name string
		sync bool
	}{
		{"NoSync", false},
		{"SyncEveryWrite", true},
	}
	sizes := []struct {
		name string
		size int
	}{
		{"Tiny_16B", 16},
		{"Small_1KB", 1 << 10},
		{"Medium_32KB", 32 << 10},
	}

	for _, so := range syncOptions {
		for _, sz := range sizes {
			b.Run(so.name+"/"+sz.name, func(b *testing.B) {
				wl, err := walfs.NewWALog(b.TempDir(), ".wal",
					walfs.WithMaxSegmentSize(4<<20),
					walfs.WithMSyncEveryWrite(so.sync))
				if err != nil {
					b.Fatal(err)
				}
				defer wl.Close()

				data := benchPayload(sz.size)
				b.SetBytes(int64(sz.size))
				b.ReportAllocs()
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					if _, err := wl.Append(data); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}

func BenchmarkWALog_ReadFrom(b *testing.B) {
	wl, err := walfs.NewWALog(b.TempDir(), ".wal", walfs.WithMaxSegmentSize(1<<20))
	if err != nil {
		b.Fatal(err)
	}
	defer wl.Close()

	data := benchPayload(256)
	const records = 20_000
	for i := 0; i < records; i++ {
		if _, err := wl.Append(data); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r, err := wl.NewReader(1)
		if err != nil {
			b.Fatal(err)
		}
		n := 0
		for {
			_, _, err := r.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				b.Fatal(err)
			}
			n++
		}
		r.Close()
		if n != records {
			b.Fatalf("read %d records, want %d", n, records)
		}
	}
}
