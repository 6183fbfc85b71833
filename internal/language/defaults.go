package language

// DefaultDefinitions is the built-in language table.
//
// Every image is an official (or widely used) slim image that contains the
// toolchain; nothing is installed at run time because sandboxes have no
// network. The java entry keeps its source as Main.java since javac insists
// the public class and the file name agree.
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			ID:    "python",
			Name:  "Python 3",
			File:  "code.py",
			Image: "python:3.12-alpine",
			Run:   "python3 -u {src}",
			Env:   []string{"PYTHONDONTWRITEBYTECODE=1"},
		},
		{
			ID:    "javascript",
			Name:  "JavaScript (Node.js)",
			File:  "code.js",
			Image: "node:22-alpine",
			Run:   "node {src}",
		},
		{
			ID:    "c",
			Name:  "C (gcc)",
			File:  "code.c",
			Image: "gcc:14",
			Build: "gcc -O2 -std=c17 -o {bin} {src} -lm",
			Run:   "{bin}",
		},
		{
			ID:    "cpp",
			Name:  "C++ (g++)",
			File:  "code.cpp",
			Image: "gcc:14",
			Build: "g++ -O2 -std=c++17 -o {bin} {src}",
			Run:   "{bin}",
		},
		{
			ID:    "java",
			Name:  "Java",
			File:  "Main.java",
			Image: "eclipse-temurin:21-jdk-alpine",
			Build: "javac -J-Xmx192m -d {dir} {src}",
			Run:   "java -Xss64m -XX:+UseSerialGC -XX:-UsePerfData -cp {dir} Main",
		},
		{
			ID:    "ruby",
			Name:  "Ruby",
			File:  "code.rb",
			Image: "ruby:3.3-alpine",
			Run:   "ruby {src}",
		},
		{
			ID:    "php",
			Name:  "PHP",
			File:  "code.php",
			Image: "php:8.3-cli-alpine",
			Run:   "php {src}",
		},
		{
			ID:    "perl",
			Name:  "Perl",
			File:  "code.pl",
			Image: "perl:5.40-slim",
			Run:   "perl {src}",
		},
		{
			ID:    "bash",
			Name:  "Bash",
			File:  "code.sh",
			Image: "bash:5.2",
			Run:   "bash {src}",
		},
		{
			ID:    "lua",
			Name:  "Lua 5.4",
			File:  "code.lua",
			Image: "nickblah/lua:5.4-alpine",
			Run:   "lua {src}",
		},
	}
}
