// Package preconf reads the optional pre-configuration document a user can
// drop onto the EFI partition of a flashed medium. Because the document may
// carry a credential it is destroyed after it has been consumed.
package preconf

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Record is the parsed pre-configuration. All fields are optional.
type Record struct {
	Hostname string
	Username string
	// Password is a plaintext password; PasswordHash is a pre-hashed crypt(3)
	// value. The hash wins when both are present.
	Password     string
	PasswordHash string
}

func (r Record) Empty() bool {
	return r == Record{}
}

// Parse reads newline-delimited key=value pairs. Lines starting with # and
// blank lines are ignored; surrounding single or double quotes are stripped
// from values. Unknown keys are ignored so the format can grow. Values
// containing $ (crypt(3) hashes) are taken literally regardless of quoting;
// dotenv variable expansion must never mangle a credential.
func Parse(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("reading pre-configuration %s: %w", path, err)
	}
	vars, err := godotenv.Unmarshal(quoteDollarValues(string(data)))
	if err != nil {
		return Record{}, fmt.Errorf("parsing pre-configuration %s: %w", path, err)
	}
	return Record{
		Hostname:     vars["HOSTNAME"],
		Username:     vars["USERNAME"],
		Password:     vars["PASSWORD"],
		PasswordHash: vars["PASSWORD_HASH"],
	}, nil
}

// quoteDollarValues rewrites unquoted or double-quoted values containing $
// into single-quoted form, which dotenv treats literally. A crypt(3) hash
// like $6$salt$... would otherwise be subject to variable expansion. Values
// that already contain a single quote are left untouched.
func quoteDollarValues(doc string) string {
	lines := strings.Split(doc, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, val, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		if !strings.Contains(val, "$") || strings.HasPrefix(val, "'") {
			continue
		}
		if strings.HasPrefix(val, `"`) && strings.HasSuffix(val, `"`) && len(val) >= 2 {
			val = val[1 : len(val)-1]
		}
		if strings.Contains(val, "'") {
			continue
		}
		lines[i] = strings.TrimSpace(key) + "='" + val + "'"
	}
	return strings.Join(lines, "\n")
}

// SecureErase overwrites the file with zeros before deleting it. On
// filesystems where overwrite fails the file is still deleted.
func SecureErase(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := overwrite(path, info.Size()); err != nil {
		logrus.Warnf("overwriting %s before removal failed: %v", path, err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing pre-configuration %s: %w", path, err)
	}
	return nil
}

func overwrite(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	zeros := make([]byte, 4096)
	for written := int64(0); written < size; {
		n := int64(len(zeros))
		if size-written < n {
			n = size - written
		}
		if _, err := f.Write(zeros[:n]); err != nil {
			return err
		}
		written += n
	}
	return f.Sync()
}
