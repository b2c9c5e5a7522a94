//go:build unix

package convert

import (
	"errors"
	"os/exec"
	"syscall"
)

// configureProcessGroup は子プロセスを新しいプロセスグループで起動し、
// キャンセル時にグループ全体へ SIGKILL を送るように設定します。
// soffice や ocrmypdf はワーカープロセスを生成するため、親だけを止めても残ります。
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if err == nil || errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return cmd.Process.Kill()
	}
}
