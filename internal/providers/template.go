package providers

import (
	"context"
	"fmt"
	"strings"
)

// TemplateGenerator renders contract source from built-in starters
// instead of calling a model, standing in when no LLM endpoint is
// configured. The same prompt always yields the same source, which
// keeps offline runs reproducible end to end alongside SimDeployer.
type TemplateGenerator struct{}

// Generate picks a starter by prompt keywords and fills in the
// contract name. Retrieved reference documents are ignored; grounding
// only matters for model-backed generation.
func (TemplateGenerator) Generate(_ context.Context, prompt string, _ []string) (string, error) {
	name := templateContractName(prompt)
	switch {
	case promptMentions(prompt, "erc20", "token", "coin", "currency"):
		return fmt.Sprintf(tokenTemplate, name), nil
	case promptMentions(prompt, "escrow", "vault", "lock", "custody", "deposit"):
		return fmt.Sprintf(vaultTemplate, name), nil
	default:
		return fmt.Sprintf(storageTemplate, name), nil
	}
}

func promptMentions(prompt string, keywords ...string) bool {
	lower := strings.ToLower(prompt)
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// promptStopwords are filler words skipped when deriving a contract
// name from prose.
var promptStopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "for": true,
	"with": true, "and": true, "or": true, "to": true, "in": true,
	"on": true, "that": true, "this": true, "its": true, "is": true,
}

// templateContractName derives an identifier from the prompt. A word
// following "called" or "named" wins, then the first capitalized word,
// then the last non-filler word title-cased. Falls back to "Generated"
// when the prompt has no usable word.
func templateContractName(prompt string) string {
	words := strings.Fields(prompt)

	for i := 0; i+1 < len(words); i++ {
		switch strings.ToLower(words[i]) {
		case "called", "named":
			if clean := identifierChars(words[i+1]); clean != "" {
				return titleCase(clean)
			}
		}
	}

	var last string
	for _, w := range words {
		clean := identifierChars(w)
		if clean == "" {
			continue
		}
		if clean[0] >= 'A' && clean[0] <= 'Z' {
			return clean
		}
		if !promptStopwords[strings.ToLower(clean)] {
			last = clean
		}
	}
	if last == "" {
		return "Generated"
	}
	return titleCase(last)
}

// identifierChars strips everything a Solidity identifier cannot
// carry. Leading digits go too.
func identifierChars(word string) string {
	var b strings.Builder
	for _, r := range word {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if b.Len() > 0 {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

func titleCase(s string) string {
	return strings.ToUpper(s[:1]) + s[1:]
}

const tokenTemplate = `// SPDX-License-Identifier: MIT
pragma solidity ^0.8.20;

contract %s {
    string public name;
    string public symbol;
    uint8 public constant decimals = 18;
    uint256 public totalSupply;

    mapping(address => uint256) public balanceOf;
    mapping(address => mapping(address => uint256)) public allowance;

    event Transfer(address indexed from, address indexed to, uint256 value);
    event Approval(address indexed owner, address indexed spender, uint256 value);

    constructor(string memory name_, string memory symbol_, uint256 supply_) {
        name = name_;
        symbol = symbol_;
        totalSupply = supply_;
        balanceOf[msg.sender] = supply_;
        emit Transfer(address(0), msg.sender, supply_);
    }

    function transfer(address to, uint256 value) external returns (bool) {
        return _transfer(msg.sender, to, value);
    }

    function approve(address spender, uint256 value) external returns (bool) {
        allowance[msg.sender][spender] = value;
        emit Approval(msg.sender, spender, value);
        return true;
    }

    function transferFrom(address from, address to, uint256 value) external returns (bool) {
        uint256 allowed = allowance[from][msg.sender];
        require(allowed >= value, "insufficient allowance");
        if (allowed != type(uint256).max) {
            allowance[from][msg.sender] = allowed - value;
        }
        return _transfer(from, to, value);
    }

    function _transfer(address from, address to, uint256 value) internal returns (bool) {
        require(to != address(0), "transfer to zero address");
        uint256 held = balanceOf[from];
        require(held >= value, "insufficient balance");
        balanceOf[from] = held - value;
        balanceOf[to] += value;
        emit Transfer(from, to, value);
        return true;
    }
}
`

const vaultTemplate = `// SPDX-License-Identifier: MIT
pragma solidity ^0.8.20;

contract %s {
    mapping(address => uint256) public deposits;

    event Deposited(address indexed account, uint256 amount);
    event Withdrawn(address indexed account, uint256 amount);

    function deposit() external payable {
        require(msg.value > 0, "empty deposit");
        deposits[msg.sender] += msg.value;
        emit Deposited(msg.sender, msg.value);
    }

    function withdraw(uint256 amount) external {
        uint256 held = deposits[msg.sender];
        require(held >= amount, "insufficient deposit");
        deposits[msg.sender] = held - amount;
        (bool ok, ) = msg.sender.call{value: amount}("");
        require(ok, "transfer failed");
        emit Withdrawn(msg.sender, amount);
    }
}
`

const storageTemplate = `// SPDX-License-Identifier: MIT
pragma solidity ^0.8.20;

contract %s {
    address public owner;
    uint256 private value;

    event ValueChanged(uint256 previous, uint256 current);

    modifier onlyOwner() {
        require(msg.sender == owner, "not owner");
        _;
    }

    constructor() {
        owner = msg.sender;
    }

    function set(uint256 next) external onlyOwner {
        emit ValueChanged(value, next);
        value = next;
    }

    function get() external view returns (uint256) {
        return value;
    }
}
`

var _ Generator = TemplateGenerator{}
