// chatctl — консольный клиент синхронизации: открывает сессию участника и
// работает с диалогами так же, как вкладка браузера.
package main

import "github.com/convsync/services/chatctl/cmd"

func main() {
	cmd.Execute()
}
