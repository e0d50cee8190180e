package filesystem

import (
	"io/fs"
	"os"
)

// modeToPathType folds a Go file mode into the three types the protocol
// knows about.
func modeToPathType(name string, mode fs.FileMode) PathType {
	switch {
	case mode&os.ModeSymlink != 0:
		Logger.Trace().Msgf("Detected %v as symlink", name)
		return PathTypeSpecial
	case mode&os.ModeCharDevice != 0 && mode&os.ModeDevice != 0:
		Logger.Trace().Msgf("Detected %v as character device", name)
		return PathTypeSpecial
	case mode&os.ModeDir != 0:
		Logger.Trace().Msgf("Detected %v as directory", name)
		return PathTypeDirectory
	case mode&os.ModeSocket != 0:
		Logger.Trace().Msgf("Detected %v as socket", name)
		return PathTypeSpecial
	case mode&os.ModeNamedPipe != 0:
		Logger.Trace().Msgf("Detected %v as FIFO", name)
		return PathTypeSpecial
	case mode&os.ModeDevice != 0:
		Logger.Trace().Msgf("Detected %v as device", name)
		return PathTypeSpecial
	default:
		Logger.Trace().Msgf("Detected %v as regular file", name)
		return PathTypeFile
	}
}

// entryType resolves the type of a directory entry, following symlinks so
// that a link to a regular file is reported as a file. Dangling links are
// special.
func entryType(absolutepath, name string, mode fs.FileMode) PathType {
	if mode&os.ModeSymlink != 0 {
		target, err := os.Stat(absolutepath)
		if err != nil {
			Logger.Trace().Msgf("Symlink %v does not resolve: %v", name, err)
			return PathTypeSpecial
		}
		return modeToPathType(name, target.Mode())
	}
	return modeToPathType(name, mode)
}

// infoToStat reports the size the filesystem gives for every type, so
// directories carry their allocation size.
func infoToStat(name string, info os.FileInfo) Stat {
	return Stat{
		Size: uint64(max(info.Size(), 0)),
		Type: modeToPathType(name, info.Mode()),
	}
}
