package chunkstore

import (
	"os"
	"syscall"
	"time"

	"chunkvault/internal/digest"
)

// accessTime extracts the filesystem atime backing info. GC's sweep depends
// on this being the real access time rather than ModTime. The store sets it
// explicitly on every insert and touch (CondTouchPath), because a bare read
// is not a reliable way to bump it everywhere, so the cutoff rule does not
// depend on the mount's atime options.
func accessTime(info os.FileInfo) time.Time {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime()
	}
	return time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
}

// Inode returns the on-disk inode number for a chunk, used by restore to
// order reads for spinning-disk locality. ok is false if the chunk is
// missing or its inode can't be determined.
func (s *ChunkStore) Inode(d digest.Digest) (ino uint64, ok bool) {
	info, err := os.Stat(s.ChunkPath(d))
	if err != nil {
		return 0, false
	}
	stat, statOk := info.Sys().(*syscall.Stat_t)
	if !statOk {
		return 0, false
	}
	return stat.Ino, true
}
