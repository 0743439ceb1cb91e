package frags

import "fmt"

// Every file a session leaves on disk is derived from the output path alone,
// so a later resume or merge can find it without any other record.

// Path is the file fragment idx (0-based) is downloaded to.
func Path(output string, idx int) string {
	return fmt.Sprintf("%s.part-Frag%d", output, idx+1)
}

// UnmutedPath holds the unmuted counterpart of a muted fragment that was
// found in a different quality track, pending audio replacement.
func UnmutedPath(output string, idx int) string {
	return fmt.Sprintf("%s.part-Frag%d-unmuted", output, idx+1)
}

func InitPath(output string) string {
	return output + ".part-init"
}

func PlaylistPath(output string) string {
	return output + "-playlist.m3u8"
}

func LogPath(output string) string {
	return output + ".log"
}

func ConcatListPath(output string) string {
	return output + "-ffconcat.txt"
}

// AppendPath receives the raw byte concatenation before it is remuxed.
func AppendPath(output string) string {
	return output + ".part-append"
}
