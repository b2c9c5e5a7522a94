//go:build !unix

package convert

import "os/exec"

// configureProcessGroup はプロセスグループを持たないプラットフォームでは何もしません。
// exec.CommandContext の既定動作（親プロセスの Kill）に任せます。
func configureProcessGroup(cmd *exec.Cmd) {}
