package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// runChat is a small REPL over the generation engine. Each turn is an
// independent request; the seed advances so repeated identical prompts
// still vary.
func runChat() error {
	eng, err := loadEngine()
	if err != nil {
		return err
	}
	fmt.Println("Chat ready. Type 'exit' to quit.")

	reader := bufio.NewReader(os.Stdin)
	seed := seedFlag
	for {
		fmt.Print("You: ")
		input, err := reader.ReadString('\n')
		if err != nil {
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if input == "exit" {
			return nil
		}

		req, err := buildRequest(input)
		if err != nil {
			return err
		}
		req.Seed = seed
		seed++

		res, err := eng.Generate(req)
		if err != nil {
			fmt.Println("Error:", err)
			continue
		}
		fmt.Println("Bot:", res.Text)
	}
}
